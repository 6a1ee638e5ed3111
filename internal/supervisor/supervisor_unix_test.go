//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpfleet/internal/process"
	"github.com/loykin/mcpfleet/internal/restart"
)

// exited reports whether pid is gone; zombies count since their parent is
// not ours to reap.
func exited(pid int) bool {
	if b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat")); err == nil {
		s := string(b)
		if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) {
			return s[i+2] == 'Z'
		}
	} else if _, serr := os.Stat("/proc/self"); serr == nil {
		return true
	}
	return syscall.Kill(pid, 0) != nil
}

func pidFrom(t *testing.T, path string) int {
	t.Helper()
	var pid int
	waitFor(t, "pid file "+path, 3*time.Second, func() bool {
		b, _ := os.ReadFile(path)
		n, err := strconv.Atoi(strings.TrimSpace(string(b)))
		pid = n
		return err == nil && n > 0
	})
	return pid
}

func TestFailedServerLeavesNoGroupMembers(t *testing.T) {
	requireUnix(t)
	opts := fastOptions()
	opts.Restart = restart.Never()
	s := New(opts)

	pidFile := filepath.Join(t.TempDir(), "child.pid")
	spec := shSpec(t, "leaky", `sleep 300 >/dev/null 2>&1 & echo $! > "$PID_FILE"; sleep 0.2; exit 1`)
	spec.Env = map[string]string{"PID_FILE": pidFile}
	require.NoError(t, s.Start(context.Background(), []process.Spec{spec}))

	child := pidFrom(t, pidFile)
	waitFor(t, "leaky to fail", 5*time.Second, func() bool { return stateOf(s, "leaky") == StateFailed })
	assert.True(t, exited(child), "background member outlived a failed server")
	require.NoError(t, s.Shutdown(5*time.Second))
	assert.True(t, exited(child))
}

func TestRestartedServerLeavesNoGroupMembers(t *testing.T) {
	requireUnix(t)
	s := New(fastOptions())

	dir := t.TempDir()
	spec := shSpec(t, "respawn", `sleep 300 >/dev/null 2>&1 & echo $! > "$PID_DIR/$$.pid"; sleep 0.1; exit 1`)
	spec.Env = map[string]string{"PID_DIR": dir}
	require.NoError(t, s.Start(context.Background(), []process.Spec{spec}))
	waitFor(t, "respawn to give up", 10*time.Second, func() bool { return stateOf(s, "respawn") == StateFailed })
	require.NoError(t, s.Shutdown(5*time.Second))

	files, err := filepath.Glob(filepath.Join(dir, "*.pid"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		pid := pidFrom(t, f)
		assert.Eventually(t, func() bool { return exited(pid) }, 3*time.Second, 20*time.Millisecond, f)
	}
}

// runTrappingForeground runs a foreground server that appends a line to a file
// for every SIGINT it gets and exits shortly after the first. before runs once
// the server is up; the run is then cancelled. It returns the SIGINT count.
func runTrappingForeground(t *testing.T, shares bool, before func(s *Supervisor, intFile string)) int {
	t.Helper()
	prev := sharesTerminal
	sharesTerminal = func() bool { return shares }
	t.Cleanup(func() { sharesTerminal = prev })

	dir := t.TempDir()
	intFile := filepath.Join(dir, "int")
	readyFile := filepath.Join(dir, "ready")
	fg := shSpec(t, "fg", `trap 'echo int >> "$INT_FILE"; stop=1' INT
touch "$READY_FILE"
while [ -z "$stop" ]; do sleep 0.05; done
sleep 0.3
exit 0`)
	fg.Env = map[string]string{"INT_FILE": intFile, "READY_FILE": readyFile}

	s := New(fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		r   Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.Run(ctx, []process.Spec{fg}, ForegroundChained)
		done <- result{r, err}
	}()

	waitFor(t, "fg ready", 5*time.Second, func() bool {
		_, err := os.Stat(readyFile)
		return err == nil
	})
	if before != nil {
		before(s, intFile)
	}
	cancel()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Empty(t, res.r.Failed())
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	b, _ := os.ReadFile(intFile)
	return strings.Count(string(b), "int\n")
}

func TestInterruptForwardsToDetachedTerminal(t *testing.T) {
	requireUnix(t)
	assert.Equal(t, 1, runTrappingForeground(t, false, nil))
}

func TestInterruptSkipsSecondSIGINTInTerminalGroup(t *testing.T) {
	requireUnix(t)
	n := runTrappingForeground(t, true, func(s *Supervisor, intFile string) {
		// Stand in for the Ctrl-C the terminal delivers to its whole group.
		st, ok := s.Status("fg")
		require.True(t, ok)
		require.NoError(t, syscall.Kill(st.PID, syscall.SIGINT))
		waitFor(t, "trap to run", 3*time.Second, func() bool {
			b, _ := os.ReadFile(intFile)
			return len(b) > 0
		})
	})
	assert.Equal(t, 1, n)
}

func TestInterruptForwardsWhenTerminalSentNothing(t *testing.T) {
	requireUnix(t)
	// Cancelled by SIGTERM, say: the server saw no Ctrl-C and still needs one.
	assert.Equal(t, 1, runTrappingForeground(t, true, nil))
}
