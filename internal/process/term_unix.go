//go:build !windows

package process

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// InTerminalForeground reports whether our process group is the foreground
// group of the controlling terminal on stdin, i.e. whether a Ctrl-C typed
// there reaches us and any attached child alike.
func InTerminalForeground() bool {
	pgrp, err := unix.IoctlGetInt(int(os.Stdin.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return false
	}
	return pgrp == syscall.Getpgrp()
}
