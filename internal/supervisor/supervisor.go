// Package supervisor launches, monitors, restarts and tears down a fleet of
// servers. Each Supervisor owns its registry; there is no package-level state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/mcpfleet/internal/conflict"
	"github.com/loykin/mcpfleet/internal/history"
	"github.com/loykin/mcpfleet/internal/logger"
	"github.com/loykin/mcpfleet/internal/metrics"
	"github.com/loykin/mcpfleet/internal/portprobe"
	"github.com/loykin/mcpfleet/internal/process"
	"github.com/loykin/mcpfleet/internal/restart"
)

// errStopped is returned internally when shutdown overtook a launch.
var errStopped = errors.New("stopped by shutdown")

const failureTailLines = 10

type entry struct {
	spec       process.Spec
	foreground bool

	// guarded by Supervisor.mu
	state     State
	proc      *process.Process
	hist      restart.History
	restarts  int
	startedAt time.Time
	lastExit  *process.ExitStatus
	err       error
	// interrupted is set when the supervisor asked the process to exit
	// outside of Terminate (SIGINT to the foreground server).
	interrupted bool

	done     chan struct{} // closed once state is terminal
	doneOnce sync.Once
}

type Supervisor struct {
	opts     Options
	log      *slog.Logger
	resolver *conflict.Resolver
	events   *history.Dispatcher

	// ctx is cancelled by Shutdown; monitors check it before every restart.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	shutting bool

	monitors     sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:     opts,
		log:      opts.Logger,
		resolver: conflict.NewResolver(opts.Prober, opts.Logger),
		events:   history.NewDispatcher(opts.Logger, opts.Sinks...),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
}

// Validate checks a spec list as a whole: non-empty, every spec valid,
// unique names and unique non-zero ports.
func Validate(specs []process.Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no servers", ErrInvalidSpecs)
	}
	var problems []error
	names := make(map[string]bool, len(specs))
	ports := make(map[int]string, len(specs))
	for _, sp := range specs {
		if err := sp.Validate(); err != nil {
			problems = append(problems, err)
			continue
		}
		if names[sp.Name] {
			problems = append(problems, fmt.Errorf("duplicate server name %q", sp.Name))
		}
		names[sp.Name] = true
		if sp.Port > 0 {
			if other, ok := ports[sp.Port]; ok {
				problems = append(problems, fmt.Errorf("%s and %s both use port %d", other, sp.Name, sp.Port))
			} else {
				ports[sp.Port] = sp.Name
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSpecs, errors.Join(problems...))
	}
	return nil
}

func isPrecondition(err error) bool {
	return errors.Is(err, ErrInvalidSpecs) || errors.Is(err, ErrAlreadyManaged)
}

// Start validates specs, then clears ports and launches them one by one in
// order. A server that cannot be launched is marked failed without affecting
// the others; the joined per-server errors are returned.
func (s *Supervisor) Start(ctx context.Context, specs []process.Spec) error {
	return s.start(ctx, specs, false)
}

func (s *Supervisor) start(ctx context.Context, specs []process.Spec, foregroundLast bool) error {
	if err := Validate(specs); err != nil {
		return err
	}
	entries, err := s.register(specs, foregroundLast)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := s.launchInitial(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// register reserves every name atomically so concurrent Starts cannot both
// own one.
func (s *Supervisor) register(specs []process.Spec, foregroundLast bool) ([]*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutting {
		return nil, ErrShuttingDown
	}
	for _, sp := range specs {
		if _, ok := s.entries[sp.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyManaged, sp.Name)
		}
	}
	out := make([]*entry, 0, len(specs))
	for i, sp := range specs {
		e := &entry{spec: sp, state: StatePending, done: make(chan struct{})}
		if foregroundLast && i == len(specs)-1 {
			e.foreground = true
			e.spec.Attached = true
		}
		s.entries[sp.Name] = e
		s.order = append(s.order, sp.Name)
		out = append(out, e)
		metrics.SetCurrentState(sp.Name, string(StatePending))
	}
	return out, nil
}

func (s *Supervisor) launchInitial(ctx context.Context, e *entry) error {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	p, err := s.launch(lctx, e)
	if err != nil {
		if s.stoppedBy(lctx, err) {
			s.finish(e, StateStopped, nil)
			return nil
		}
		s.fail(e, err)
		return err
	}
	s.monitors.Add(1)
	go s.monitor(e, p)
	return nil
}

func (s *Supervisor) stoppedBy(ctx context.Context, err error) bool {
	if errors.Is(err, errStopped) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// launch clears the port and starts one process instance for e.
func (s *Supervisor) launch(ctx context.Context, e *entry) (*process.Process, error) {
	if s.isShutting() {
		return nil, errStopped
	}
	s.setState(e, StateLaunching)
	spec := e.spec
	if err := s.clearPort(ctx, spec); err != nil {
		return nil, err
	}
	if s.isShutting() {
		return nil, errStopped
	}
	p, err := process.Launch(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.shutting {
		s.mu.Unlock()
		outcome := p.Terminate(s.opts.TerminateTimeout)
		metrics.IncTermination(spec.Name, outcome.String())
		return nil, errStopped
	}
	e.proc = p
	e.startedAt = p.StartedAt()
	e.state = StateRunning
	attempt := e.hist.Count
	s.mu.Unlock()

	metrics.SetCurrentState(spec.Name, string(StateRunning))
	metrics.IncLaunch(spec.Name)
	s.events.Publish(history.Event{
		Type:    history.EventLaunched,
		Server:  spec.Name,
		PID:     p.PID(),
		Port:    spec.Port,
		Attempt: attempt,
		LogPath: p.LogPath(),
	})
	s.log.Info("server launched", "server", spec.Name, "pid", p.PID(), "port", spec.Port,
		"mode", string(spec.Mode), "log", p.LogPath())
	return p, nil
}

func (s *Supervisor) clearPort(ctx context.Context, spec process.Spec) error {
	if spec.Port == 0 {
		return nil
	}
	res, err := s.resolver.Require(ctx, spec.Name, spec.Port, s.opts.Ports)
	switch {
	case err == nil:
		if res.Outcome != conflict.Clear || len(res.Signalled) > 0 {
			s.portConflict(spec, res, nil)
		}
		return nil
	case errors.Is(err, portprobe.ErrProbeUnavailable):
		if s.opts.AllowUnverified {
			s.log.Warn("port ownership unverified, launching anyway", "server", spec.Name, "port", spec.Port, "error", err)
			return nil
		}
		return fmt.Errorf("%s: port %d: %w", spec.Name, spec.Port, err)
	case errors.Is(err, conflict.ErrStillBlocked):
		s.portConflict(spec, res, err)
		if s.opts.ForcePorts {
			s.log.Warn("port still blocked, launching anyway", "server", spec.Name, "error", err)
			return nil
		}
		return err
	default:
		return err
	}
}

func (s *Supervisor) portConflict(spec process.Spec, res conflict.Result, err error) {
	outcome := res.Outcome.String()
	metrics.IncPortConflict(spec.Name, outcome)
	ev := history.Event{Type: history.EventPortConflict, Server: spec.Name, Port: spec.Port, Kind: outcome}
	if err != nil {
		ev.Error = err.Error()
	}
	s.events.Publish(ev)
	s.log.Info("port conflict", "server", spec.Name, "port", spec.Port, "outcome", outcome, "signalled", res.Signalled)
}

// monitor owns e from its first launch until it is terminal.
func (s *Supervisor) monitor(e *entry, p *process.Process) {
	defer s.monitors.Done()
	for {
		st := p.Wait()
		if p.SweepGroup(s.opts.TerminateTimeout) {
			s.log.Warn("stopped leftover group members", "server", e.spec.Name, "pgid", p.PID())
		}
		s.mu.Lock()
		e.lastExit = &st
		requested := s.shutting || e.interrupted
		s.mu.Unlock()

		s.events.Publish(history.Event{
			Type:     history.EventExited,
			Server:   e.spec.Name,
			PID:      p.PID(),
			Port:     e.spec.Port,
			ExitCode: st.Code,
			Signal:   st.Signal,
			LogPath:  p.LogPath(),
		})
		if requested || p.Terminating() {
			s.finish(e, StateStopped, nil)
			return
		}
		metrics.IncCrash(e.spec.Name)

		if e.foreground {
			if st.Code == 0 {
				s.log.Info("foreground server exited", "server", e.spec.Name, "exit", st.String())
				s.finish(e, StateStopped, nil)
			} else {
				s.fail(e, fmt.Errorf("%w: %s: %s", ErrCrashExit, e.spec.Name, st))
			}
			return
		}

		next, ok := s.relaunch(e, p, st)
		if !ok {
			return
		}
		p = next
	}
}

func (s *Supervisor) relaunch(e *entry, p *process.Process, st process.ExitStatus) (*process.Process, bool) {
	name := e.spec.Name
	s.mu.Lock()
	h := e.hist
	h.StartedAt = p.StartedAt()
	h.CrashedAt = st.ExitedAt
	d := restart.Decide(h, s.opts.Restart)
	e.hist = d.History
	s.mu.Unlock()

	if d.Action == restart.GiveUp {
		s.fail(e, fmt.Errorf("%w: %s: %s after %d restarts: %w", ErrCrashExit, name, st, d.History.Count, errGaveUp))
		return nil, false
	}

	s.mu.Lock()
	e.restarts++
	s.mu.Unlock()
	s.setState(e, StateRestarting)
	metrics.IncRestart(name)
	s.events.Publish(history.Event{
		Type:     history.EventRestarting,
		Server:   name,
		Port:     e.spec.Port,
		Attempt:  d.History.Count,
		ExitCode: st.Code,
		Signal:   st.Signal,
		LogPath:  p.LogPath(),
	})
	s.log.Warn("server exited, restarting", "server", name, "exit", st.String(),
		"attempt", d.History.Count, "max", s.opts.Restart.Max, "delay", s.opts.Restart.Delay)

	if !s.sleep(s.opts.Restart.Delay) {
		s.finish(e, StateStopped, nil)
		return nil, false
	}
	next, err := s.launch(s.ctx, e)
	if err != nil {
		if s.stoppedBy(s.ctx, err) {
			s.finish(e, StateStopped, nil)
		} else {
			s.fail(e, err)
		}
		return nil, false
	}
	return next, true
}

// sleep waits d unless shutdown starts first.
func (s *Supervisor) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Supervisor) fail(e *entry, err error) {
	kind := Kind(err)
	name := e.spec.Name
	attrs := []any{"server", name, "kind", kind, "error", err}
	path := ""
	if !e.spec.Attached {
		path = e.spec.LogPath()
		attrs = append(attrs, "log", path)
		if lines, _ := logger.Tail(path, failureTailLines); len(lines) > 0 {
			attrs = append(attrs, "log_tail", strings.Join(lines, "\n"))
		}
	}
	s.log.Error("server failed", attrs...)
	metrics.IncFailure(name, kind)
	s.events.Publish(history.Event{
		Type:    history.EventFailed,
		Server:  name,
		Port:    e.spec.Port,
		Kind:    kind,
		Error:   err.Error(),
		LogPath: path,
	})
	s.finish(e, StateFailed, err)
}

// finish moves e to a terminal state once.
func (s *Supervisor) finish(e *entry, state State, err error) {
	s.mu.Lock()
	if e.state.Terminal() {
		s.mu.Unlock()
		return
	}
	e.state = state
	e.err = err
	s.mu.Unlock()

	metrics.SetCurrentState(e.spec.Name, string(state))
	if state == StateStopped {
		s.events.Publish(history.Event{Type: history.EventStopped, Server: e.spec.Name, Port: e.spec.Port})
		s.log.Info("server stopped", "server", e.spec.Name)
	}
	e.doneOnce.Do(func() { close(e.done) })
}

func (s *Supervisor) setState(e *entry, state State) {
	s.mu.Lock()
	if e.state.Terminal() {
		s.mu.Unlock()
		return
	}
	e.state = state
	s.mu.Unlock()
	metrics.SetCurrentState(e.spec.Name, string(state))
}

func (s *Supervisor) isShutting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

// Shutdown terminates every live server concurrently and waits for their
// monitors up to timeout (Options.ShutdownTimeout when <= 0). Servers still
// alive afterwards are SIGKILLed and reported in a *ShutdownTimeoutError.
// Later calls return the first result.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown(timeout) })
	return s.shutdownErr
}

func (s *Supervisor) shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.ShutdownTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	s.mu.Lock()
	s.shutting = true
	var live []*entry
	for _, name := range s.order {
		if e := s.entries[name]; !e.state.Terminal() {
			live = append(live, e)
		}
	}
	s.mu.Unlock()
	s.cancel()
	s.log.Info("shutting down", "servers", len(live), "timeout", timeout)

	for _, e := range live {
		s.mu.Lock()
		p := e.proc
		s.mu.Unlock()
		if p == nil {
			continue
		}
		go func(name string, p *process.Process) {
			outcome := p.Terminate(s.opts.TerminateTimeout)
			metrics.IncTermination(name, outcome.String())
			s.log.Debug("server terminated", "server", name, "outcome", outcome.String())
		}(e.spec.Name, p)
	}

	var stragglers []string
	expired := false
	for _, e := range live {
		if expired {
			select {
			case <-e.done:
			default:
				stragglers = append(stragglers, e.spec.Name)
			}
			continue
		}
		select {
		case <-e.done:
		case <-deadline.C:
			expired = true
			stragglers = append(stragglers, e.spec.Name)
		}
	}

	var err error
	if len(stragglers) > 0 {
		for _, name := range stragglers {
			s.mu.Lock()
			p := s.entries[name].proc
			s.mu.Unlock()
			if p != nil {
				p.Kill()
			}
		}
		err = &ShutdownTimeoutError{Servers: stragglers}
		s.log.Error("shutdown timed out", "servers", stragglers)
	} else {
		s.monitors.Wait()
	}
	if cerr := s.events.Close(); cerr != nil {
		s.log.Warn("closing history sinks", "error", cerr)
	}
	return err
}

// Statuses returns a snapshot of every server in registration order.
func (s *Supervisor) Statuses() []ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.statusLocked(s.entries[name]))
	}
	return out
}

// Status returns the snapshot of one server.
func (s *Supervisor) Status(name string) (ServerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return ServerStatus{}, false
	}
	return s.statusLocked(e), true
}

func (s *Supervisor) statusLocked(e *entry) ServerStatus {
	st := ServerStatus{
		Name:       e.spec.Name,
		State:      e.state,
		Port:       e.spec.Port,
		Mode:       e.spec.Mode,
		Command:    e.spec.CommandLine(),
		Foreground: e.foreground,
		Restarts:   e.restarts,
		StartedAt:  e.startedAt,
		LogPath:    e.spec.LogPath(),
	}
	if e.foreground {
		st.LogPath = "-"
	}
	if e.proc != nil && e.state == StateRunning {
		st.PID = e.proc.PID()
	}
	if e.lastExit != nil {
		x := *e.lastExit
		st.LastExit = &x
	}
	if e.err != nil {
		st.Error = e.err.Error()
		st.ErrorKind = Kind(e.err)
	}
	return st
}

// PIDs maps every running server to its process id.
func (s *Supervisor) PIDs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for name, e := range s.entries {
		if e.state == StateRunning && e.proc != nil {
			out[name] = e.proc.PID()
		}
	}
	return out
}

// Events subscribes to lifecycle events published from now on. The channel
// is closed when Shutdown completes.
func (s *Supervisor) Events() <-chan history.Event { return s.events.Subscribe(0) }

// Report snapshots the final state of every server.
func (s *Supervisor) Report() Report { return Report{Servers: s.Statuses()} }
