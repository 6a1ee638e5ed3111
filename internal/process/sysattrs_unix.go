//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr detaches background servers into their own session so
// terminal job-control signals never reach them. An attached server stays in
// our process group: it must remain in the terminal's foreground group to
// read stdin without SIGTTIN.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	if spec.Attached {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
