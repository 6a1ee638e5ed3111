package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/mcpfleet/internal/conflict"
	"github.com/loykin/mcpfleet/internal/portprobe"
	"github.com/loykin/mcpfleet/internal/process"
)

var (
	// ErrInvalidSpecs aborts Start before anything is launched.
	ErrInvalidSpecs = errors.New("invalid server specs")
	// ErrCrashExit marks a server that kept exiting until the restart policy gave up.
	ErrCrashExit       = errors.New("server exited unexpectedly")
	ErrShutdownTimeout = errors.New("shutdown timed out")
	// ErrAlreadyManaged rejects a Start for a name the supervisor already knows.
	ErrAlreadyManaged = errors.New("server already managed")
	ErrShuttingDown   = errors.New("supervisor is shutting down")
)

// ShutdownTimeoutError lists servers still alive when the shutdown deadline
// passed. They were sent a best-effort SIGKILL.
type ShutdownTimeoutError struct {
	Servers []string
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("%s: still running: %s", ErrShutdownTimeout, strings.Join(e.Servers, ", "))
}

func (e *ShutdownTimeoutError) Is(target error) bool { return target == ErrShutdownTimeout }

// Failure kinds recorded in events, metrics and status.
const (
	KindGiveUp           = "give_up"
	KindLaunchError      = "launch_error"
	KindPortBlocked      = "port_blocked"
	KindProbeUnavailable = "probe_unavailable"
	KindCrash            = "crash_exit"
)

// Kind classifies a terminal error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, conflict.ErrStillBlocked):
		return KindPortBlocked
	case errors.Is(err, portprobe.ErrProbeUnavailable):
		return KindProbeUnavailable
	case errors.Is(err, process.ErrLaunch):
		return KindLaunchError
	case errors.Is(err, errGaveUp):
		return KindGiveUp
	case errors.Is(err, ErrCrashExit):
		return KindCrash
	default:
		return "error"
	}
}

// errGaveUp is joined with ErrCrashExit when the restart budget is spent.
var errGaveUp = errors.New("restart limit reached")
