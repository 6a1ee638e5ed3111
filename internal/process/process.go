package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/mcpfleet/internal/env"
)

// ErrLaunch wraps every failure to start a child (missing executable,
// unopenable log sink, exec error).
var ErrLaunch = errors.New("launch failed")

// reapWindow bounds how long Terminate waits for the kernel to report the
// exit after SIGKILL.
const reapWindow = 2 * time.Second

// sweepPoll is how often SweepGroup re-checks a group it has signalled.
const sweepPoll = 50 * time.Millisecond

// sinkWaitDelay bounds cmd.Wait when output is copied through a pipe and a
// grandchild still holds the write end.
const sinkWaitDelay = 500 * time.Millisecond

// Process is one OS process instance. A restart creates a new Process.
type Process struct {
	spec Spec

	mu          sync.Mutex
	cmd         *exec.Cmd
	state       State
	pid         int
	startedAt   time.Time
	exit        ExitStatus
	sink        io.WriteCloser
	logPath     string
	terminating bool

	done chan struct{} // closed after cmd.Wait returns and the sink is closed
}

// Launch starts spec's command in its own process group with output appended
// to the server's log sink. The returned Process is Running.
func Launch(spec Spec) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	p := &Process{spec: spec, state: StatePending, done: make(chan struct{})}

	cmd := spec.BuildCommand()
	cmd.Env = env.Merge(spec.Env)
	configureSysProcAttr(cmd, spec)

	if spec.Attached {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		p.logPath = "-"
	} else {
		w, path, err := spec.Log.Open(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: open log: %w", ErrLaunch, spec.Name, err)
		}
		p.sink, p.logPath = w, path
		cmd.Stdout = w
		cmd.Stderr = w
		if _, isFile := w.(*os.File); !isFile {
			cmd.WaitDelay = sinkWaitDelay
		}
	}

	if err := cmd.Start(); err != nil {
		if p.sink != nil {
			_ = p.sink.Close()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, spec.Name, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.state = StateRunning
	p.mu.Unlock()

	go p.reap()
	return p, nil
}

// reap is the only caller of cmd.Wait.
func (p *Process) reap() {
	err := p.cmd.Wait()
	st := classify(p.cmd.ProcessState, err)

	p.mu.Lock()
	p.exit = st
	if st.Signal != "" {
		p.state = StateKilled
	} else {
		p.state = StateExited
	}
	sink := p.sink
	p.sink = nil
	p.mu.Unlock()

	if sink != nil {
		_ = sink.Close()
	}
	close(p.done)
}

func classify(ps *os.ProcessState, err error) ExitStatus {
	st := ExitStatus{ExitedAt: time.Now(), Err: err}
	if ps == nil {
		st.Code = -1
		return st
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Code = -1
		st.Signal = ws.Signal().String()
		return st
	}
	st.Code = ps.ExitCode()
	// A WaitDelay expiry reports an error even though the child exited cleanly.
	if errors.Is(err, exec.ErrWaitDelay) {
		st.Err = nil
	}
	return st
}

// Wait blocks until the process has exited and its sink is closed.
func (p *Process) Wait() ExitStatus {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process is gone.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process group to stop with SIGTERM and escalates to
// SIGKILL after escalate. Only the first call on a live process signals.
func (p *Process) Terminate(escalate time.Duration) Termination {
	p.mu.Lock()
	if p.terminating || p.Exited() {
		p.mu.Unlock()
		return TerminationAlreadyExited
	}
	p.terminating = true
	pid := p.pid
	p.mu.Unlock()

	_ = p.send(pid, syscall.SIGTERM)
	timer := time.NewTimer(escalate)
	defer timer.Stop()
	select {
	case <-p.done:
		return TerminationGraceful
	case <-timer.C:
	}

	_ = p.send(pid, syscall.SIGKILL)
	reap := time.NewTimer(reapWindow)
	defer reap.Stop()
	select {
	case <-p.done:
		return TerminationKilled
	case <-reap.C:
		return TerminationTimeout
	}
}

// SweepGroup stops whatever is left of the process group once the leader has
// exited: SIGTERM, then SIGKILL after escalate. It blocks until the leader is
// gone and reports whether any member was still alive. Attached processes
// share our group and are never swept.
func (p *Process) SweepGroup(escalate time.Duration) bool {
	<-p.done
	if p.spec.Attached {
		return false
	}
	pgid := p.PID()
	if !groupAlive(pgid) {
		return false
	}
	_ = signalGroupOnly(pgid, syscall.SIGTERM)
	if waitGroupGone(pgid, escalate) {
		return true
	}
	_ = signalGroupOnly(pgid, syscall.SIGKILL)
	waitGroupGone(pgid, reapWindow)
	return true
}

func waitGroupGone(pgid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !groupAlive(pgid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(sweepPoll)
	}
}

// Signal forwards sig to the process group.
// An attached process receives it alone.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	return p.send(pid, sig)
}

// send targets the process group, or only the leader for an attached
// process, which shares our group.
func (p *Process) send(pid int, sig syscall.Signal) error {
	if p.spec.Attached {
		return signalPID(pid, sig)
	}
	return signalGroup(pid, sig)
}

// Kill sends SIGKILL to the process group without waiting.
func (p *Process) Kill() {
	_ = p.Signal(syscall.SIGKILL)
}

// Terminating reports whether Terminate was called.
func (p *Process) Terminating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminating
}

func (p *Process) Spec() Spec { return p.spec }

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

func (p *Process) LogPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logPath
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Name:      p.spec.Name,
		PID:       p.pid,
		State:     p.state.String(),
		StartedAt: p.startedAt,
		Exit:      p.exit,
		LogPath:   p.logPath,
	}
}
