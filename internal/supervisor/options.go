package supervisor

import (
	"log/slog"
	"time"

	"github.com/loykin/mcpfleet/internal/conflict"
	"github.com/loykin/mcpfleet/internal/history"
	"github.com/loykin/mcpfleet/internal/portprobe"
	"github.com/loykin/mcpfleet/internal/restart"
)

const (
	DefaultTerminateTimeout = 3 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
)

// Options are the supervisor's policy knobs. Zero values take defaults; a
// zero Restart policy means restart.DefaultPolicy(), Restart.Max < 0 disables
// restarts.
type Options struct {
	Restart restart.Policy
	Ports   conflict.Policy
	// AllowUnverified launches even when port ownership cannot be probed.
	AllowUnverified bool
	// ForcePorts launches even when the port is still held by another process.
	ForcePorts       bool
	TerminateTimeout time.Duration
	ShutdownTimeout  time.Duration
	Sinks            []history.Sink
	Logger           *slog.Logger
	// Prober defaults to the live socket table.
	Prober portprobe.Prober
}

func (o Options) withDefaults() Options {
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = DefaultTerminateTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Restart == (restart.Policy{}) {
		o.Restart = restart.DefaultPolicy()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Prober == nil {
		o.Prober = portprobe.NewSystem()
	}
	return o
}
