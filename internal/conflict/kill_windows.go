//go:build windows

package conflict

import (
	"os"
	"syscall"
)

// signalPID terminates pid; Windows has no graceful signal to send.
func signalPID(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
