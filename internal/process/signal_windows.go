//go:build windows

package process

import (
	"os"
	"syscall"
)

// signalGroup has no group semantics on Windows; any signal terminates.
func signalGroup(pid int, sig syscall.Signal) error { return signalPID(pid, sig) }

func signalPID(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

// Windows has no process groups to sweep.
func groupAlive(int) bool { return false }

func signalGroupOnly(int, syscall.Signal) error { return nil }
