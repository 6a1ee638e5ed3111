package supervisor

import (
	"errors"
	"time"

	"github.com/loykin/mcpfleet/internal/process"
)

// State is the per-server supervision state.
type State string

const (
	StatePending    State = "pending"
	StateLaunching  State = "launching"
	StateRunning    State = "running"
	StateRestarting State = "restarting" // waiting out the restart delay
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// Terminal reports whether the server will never run again in this supervisor.
func (s State) Terminal() bool { return s == StateFailed || s == StateStopped }

// ServerStatus is a snapshot of one supervised server.
type ServerStatus struct {
	Name       string              `json:"name"`
	State      State               `json:"state"`
	PID        int                 `json:"pid,omitempty"`
	Port       int                 `json:"port,omitempty"`
	Mode       process.Mode        `json:"mode,omitempty"`
	Command    string              `json:"command"`
	Foreground bool                `json:"foreground,omitempty"`
	Restarts   int                 `json:"restarts"`
	StartedAt  time.Time           `json:"started_at,omitempty"`
	LastExit   *process.ExitStatus `json:"last_exit,omitempty"`
	Error      string              `json:"error,omitempty"`
	ErrorKind  string              `json:"error_kind,omitempty"`
	LogPath    string              `json:"log_path"`
}

// Report is the outcome of a run.
type Report struct {
	Servers []ServerStatus `json:"servers"`
	Err     error          `json:"-"`
}

// Failed lists the servers that ended in StateFailed.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Servers {
		if s.State == StateFailed {
			out = append(out, s.Name)
		}
	}
	return out
}

// Process exit codes.
const (
	ExitOK           = 0
	ExitServerFailed = 1
	ExitPrecondition = 2
)

// ExitCode maps a report to the process exit code: 2 when the run was aborted
// before launching, 1 when any server failed or outlived the shutdown
// deadline, 0 otherwise.
func ExitCode(r Report) int {
	if isPrecondition(r.Err) {
		return ExitPrecondition
	}
	if len(r.Failed()) > 0 || errors.Is(r.Err, ErrShutdownTimeout) {
		return ExitServerFailed
	}
	return ExitOK
}
