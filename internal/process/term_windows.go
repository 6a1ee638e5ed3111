//go:build windows

package process

// InTerminalForeground is always false on Windows; console control events are
// not modelled as process groups here.
func InTerminalForeground() bool { return false }
