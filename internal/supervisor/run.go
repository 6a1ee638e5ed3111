package supervisor

import (
	"context"
	"syscall"
	"time"

	"github.com/loykin/mcpfleet/internal/process"
)

// Mode selects how Run composes the servers.
type Mode int

const (
	// Parallel runs every server detached until the context is cancelled or
	// every server is terminal.
	Parallel Mode = iota
	// ForegroundChained runs all but the last server detached; the last one
	// is attached to the terminal, and its end shuts everything down.
	ForegroundChained
)

func (m Mode) String() string {
	if m == ForegroundChained {
		return "foreground-chained"
	}
	return "parallel"
}

// Run starts specs in the given mode, blocks until the run is over, shuts
// everything down and reports. ctx is normally tied to SIGINT/SIGTERM.
func (s *Supervisor) Run(ctx context.Context, specs []process.Spec, mode Mode) (Report, error) {
	foreground := mode == ForegroundChained
	if err := s.start(ctx, specs, foreground); err != nil {
		if isPrecondition(err) {
			_ = s.Shutdown(s.opts.ShutdownTimeout)
			return Report{Err: err}, err
		}
		s.log.Warn("some servers did not start", "error", err)
	}

	var over <-chan struct{}
	var fg *entry
	if foreground {
		s.mu.Lock()
		fg = s.entries[specs[len(specs)-1].Name]
		s.mu.Unlock()
		over = fg.done
	} else {
		over = s.allDone()
	}

	select {
	case <-ctx.Done():
		s.log.Info("interrupted, stopping servers", "mode", mode.String())
		if fg != nil {
			s.interrupt(fg)
		}
	case <-over:
	}

	err := s.Shutdown(s.opts.ShutdownTimeout)
	r := s.Report()
	r.Err = err
	return r, err
}

// allDone is closed once every registered server is terminal.
func (s *Supervisor) allDone() <-chan struct{} {
	s.mu.Lock()
	dones := make([]chan struct{}, 0, len(s.order))
	for _, name := range s.order {
		dones = append(dones, s.entries[name].done)
	}
	s.mu.Unlock()

	out := make(chan struct{})
	go func() {
		for _, d := range dones {
			<-d
		}
		close(out)
	}()
	return out
}

// sharesTerminal reports whether a Ctrl-C at the terminal already reached the
// attached server along with us.
var sharesTerminal = process.InTerminalForeground

// terminalGrace is how long an attached server that shares our terminal group
// gets to act on the SIGINT it already received before we forward one.
var terminalGrace = 500 * time.Millisecond

// interrupt gives the foreground server a chance to exit on SIGINT, the way
// it would when the user presses Ctrl-C in its terminal. When it shares the
// terminal's foreground group the keypress already delivered SIGINT, so only
// a server still running after terminalGrace is sent another (the run may
// have been cancelled by SIGTERM instead).
func (s *Supervisor) interrupt(e *entry) {
	s.mu.Lock()
	p := e.proc
	s.mu.Unlock()
	if p == nil || p.Exited() {
		return
	}
	s.mu.Lock()
	e.interrupted = true
	s.mu.Unlock()

	t := time.NewTimer(s.opts.TerminateTimeout)
	defer t.Stop()
	if e.spec.Attached && sharesTerminal() {
		g := time.NewTimer(terminalGrace)
		defer g.Stop()
		select {
		case <-p.Done():
			return
		case <-g.C:
		}
	}
	if err := p.Signal(syscall.SIGINT); err != nil {
		s.log.Debug("forward SIGINT", "server", e.spec.Name, "error", err)
		return
	}
	select {
	case <-p.Done():
	case <-t.C:
	}
}
