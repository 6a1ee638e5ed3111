package process

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one OS process instance.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateExited
	StateKilled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ExitStatus is what Wait reports once the process is gone.
// Signal is set (and Code is -1) when the process was terminated by a signal.
type ExitStatus struct {
	Code     int       `json:"code"`
	Signal   string    `json:"signal,omitempty"`
	ExitedAt time.Time `json:"exited_at"`
	Err      error     `json:"-"`
}

// Clean reports a zero exit code without a signal.
func (e ExitStatus) Clean() bool { return e.Code == 0 && e.Signal == "" }

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Status is a point-in-time copy of a Process.
type Status struct {
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	Exit      ExitStatus `json:"exit"`
	LogPath   string     `json:"log_path"`
}

// Termination describes how Terminate ended.
type Termination int

const (
	// TerminationAlreadyExited: the process had already exited or termination was
	// already requested; nothing was signalled.
	TerminationAlreadyExited Termination = iota
	TerminationGraceful
	TerminationKilled
	// TerminationTimeout: the process survived SIGKILL for the reap window.
	TerminationTimeout
)

func (t Termination) String() string {
	switch t {
	case TerminationAlreadyExited:
		return "already_exited"
	case TerminationGraceful:
		return "graceful"
	case TerminationKilled:
		return "killed"
	case TerminationTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
