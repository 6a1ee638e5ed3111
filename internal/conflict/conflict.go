// Package conflict clears a TCP port before a server is launched on it.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/mcpfleet/internal/portprobe"
)

const (
	DefaultGrace        = 3 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

var ErrStillBlocked = errors.New("port still blocked")

// Policy controls how far the resolver goes to free a port.
// Force without Kill skips the SIGTERM phase.
type Policy struct {
	Kill         bool          `json:"kill_conflicts" mapstructure:"kill_conflicts"`
	Force        bool          `json:"force" mapstructure:"force"`
	Grace        time.Duration `json:"grace" mapstructure:"grace"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
}

func (p Policy) withDefaults() Policy {
	if p.Grace <= 0 {
		p.Grace = DefaultGrace
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	return p
}

type Outcome int

const (
	Clear Outcome = iota
	StillBlocked
	Forced
)

func (o Outcome) String() string {
	switch o {
	case Clear:
		return "clear"
	case StillBlocked:
		return "still_blocked"
	case Forced:
		return "forced"
	default:
		return "unknown"
	}
}

// Result carries the outcome and, when StillBlocked, the owners seen last.
// Signalled lists every PID the resolver sent a signal to.
type Result struct {
	Outcome   Outcome
	Port      int
	Owners    []portprobe.Owner
	Signalled []int
}

// BlockedError reports a port that could not be cleared for a server.
type BlockedError struct {
	Server string
	Port   int
	Owners []portprobe.Owner
}

func (e *BlockedError) Error() string {
	parts := make([]string, 0, len(e.Owners))
	for _, o := range e.Owners {
		parts = append(parts, fmt.Sprintf("%d(%s)", o.PID, o.Command))
	}
	return fmt.Sprintf("%s: port %d held by %s", e.Server, e.Port, strings.Join(parts, ", "))
}

func (e *BlockedError) Is(target error) bool { return target == ErrStillBlocked }

// Resolver probes and, when the policy allows, signals port owners.
type Resolver struct {
	Probe  portprobe.Prober
	Logger *slog.Logger
	// Kill delivers a signal to one PID.
	Kill func(pid int, sig syscall.Signal) error
	// Self is never signalled; defaults to os.Getpid().
	Self int
}

func NewResolver(probe portprobe.Prober, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Probe: probe, Logger: logger, Kill: signalPID, Self: os.Getpid()}
}

// EnsureAvailable makes sure port is free according to policy. Probe
// failures are returned wrapping portprobe.ErrProbeUnavailable.
func (r *Resolver) EnsureAvailable(ctx context.Context, port int, policy Policy) (Result, error) {
	if port == 0 {
		return Result{Outcome: Clear}, nil
	}
	policy = policy.withDefaults()
	res, err := r.Probe.Check(ctx, port)
	if err != nil {
		return Result{Port: port}, err
	}
	if res.Available {
		return Result{Outcome: Clear, Port: port}, nil
	}
	out := Result{Outcome: StillBlocked, Port: port, Owners: res.Owners}
	if !policy.Kill && !policy.Force {
		return out, nil
	}

	if policy.Kill {
		out.Signalled = append(out.Signalled, r.signalOwners(res, syscall.SIGTERM)...)
		res, err = r.waitClear(ctx, port, policy)
		if err != nil {
			return out, err
		}
		if res.Available {
			out.Outcome, out.Owners = Clear, nil
			return out, nil
		}
		out.Owners = res.Owners
	}

	if !policy.Force {
		return out, nil
	}
	out.Signalled = append(out.Signalled, r.signalOwners(res, syscall.SIGKILL)...)
	res, err = r.waitClear(ctx, port, policy)
	if err != nil {
		return out, err
	}
	if res.Available {
		out.Outcome, out.Owners = Forced, nil
		return out, nil
	}
	out.Owners = res.Owners
	return out, nil
}

// Require is EnsureAvailable for a named server: StillBlocked becomes a
// *BlockedError.
func (r *Resolver) Require(ctx context.Context, server string, port int, policy Policy) (Result, error) {
	res, err := r.EnsureAvailable(ctx, port, policy)
	if err != nil {
		return res, err
	}
	if res.Outcome == StillBlocked {
		return res, &BlockedError{Server: server, Port: port, Owners: res.Owners}
	}
	return res, nil
}

func (r *Resolver) signalOwners(res portprobe.Result, sig syscall.Signal) []int {
	kill := r.Kill
	if kill == nil {
		kill = signalPID
	}
	var sent []int
	for _, pid := range res.PIDs() {
		if pid == r.Self {
			r.Logger.Warn("refusing to signal own process", "port", res.Port, "pid", pid)
			continue
		}
		if err := kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			r.Logger.Warn("signal port owner failed", "port", res.Port, "pid", pid, "signal", sig.String(), "error", err)
			continue
		}
		r.Logger.Info("signalled port owner", "port", res.Port, "pid", pid, "signal", sig.String())
		sent = append(sent, pid)
	}
	return sent
}

// waitClear re-probes every PollInterval until the port is free or Grace
// elapses, returning the last observation.
func (r *Resolver) waitClear(ctx context.Context, port int, policy Policy) (portprobe.Result, error) {
	deadline := time.Now().Add(policy.Grace)
	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return portprobe.Result{}, ctx.Err()
		case <-ticker.C:
		}
		res, err := r.Probe.Check(ctx, port)
		if err != nil {
			return res, err
		}
		if res.Available || !time.Now().Before(deadline) {
			return res, nil
		}
	}
}
