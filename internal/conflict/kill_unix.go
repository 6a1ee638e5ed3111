//go:build !windows

package conflict

import "syscall"

func signalPID(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) }
