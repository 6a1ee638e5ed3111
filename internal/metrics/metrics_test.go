package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshRegistry re-registers the package collectors against a new registry.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	require.NoError(t, Register(reg))

	before := testutil.ToFloat64(serverLaunches.WithLabelValues("a"))
	IncLaunch("a")
	IncLaunch("a")
	IncRestart("a")
	IncCrash("a")
	IncFailure("a", "give_up")
	IncPortConflict("a", "forced")
	IncTermination("a", "graceful")
	assert.Equal(t, before+2, testutil.ToFloat64(serverLaunches.WithLabelValues("a")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"mcpfleet_server_launches_total":     false,
		"mcpfleet_server_restarts_total":     false,
		"mcpfleet_server_crashes_total":      false,
		"mcpfleet_server_failures_total":     false,
		"mcpfleet_port_conflicts_total":      false,
		"mcpfleet_server_terminations_total": false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "missing metric %s", n)
	}
}

func TestSetCurrentStateIsExclusive(t *testing.T) {
	freshRegistry(t)
	SetCurrentState("fetch", "running")
	SetCurrentState("fetch", "failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("fetch", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("fetch", "running")))
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(serverRestarts.WithLabelValues("noop"))
	IncRestart("noop")
	SetCurrentState("noop", "running")
	assert.Equal(t, before, testutil.ToFloat64(serverRestarts.WithLabelValues("noop")))
}

func TestHandlerForServesMetrics(t *testing.T) {
	reg := freshRegistry(t)
	IncLaunch("x")
	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "mcpfleet_server_launches_total")
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLaunch("c")
			IncCrash("c")
			SetCurrentState("c", "running")
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error  { return errors.New("test registration error") }
func (errorRegisterer) MustRegister(...prometheus.Collector) {}
func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestRegisterError(t *testing.T) {
	regOK.Store(false)
	err := Register(errorRegisterer{})
	assert.EqualError(t, err, "test registration error")
	assert.False(t, regOK.Load())
}

func TestResourceCollectorTracksRunningServers(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true})
	c.sample = func(_ context.Context, pid int32) (Usage, error) {
		if pid == 99 {
			return Usage{}, errors.New("gone")
		}
		return Usage{PID: pid, CPUPercent: 1.5, MemoryMB: 12, NumThreads: 3}, nil
	}
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.Collect(context.Background(), map[string]int{"a": 10, "b": 99, "c": 0})
	u, ok := c.Latest("a")
	require.True(t, ok)
	assert.Equal(t, 12.0, u.MemoryMB)
	_, ok = c.Latest("b")
	assert.False(t, ok)
	assert.Equal(t, 1, testutil.CollectAndCount(c.memory))

	c.Collect(context.Background(), map[string]int{})
	_, ok = c.Latest("a")
	assert.False(t, ok)
	assert.Equal(t, 0, testutil.CollectAndCount(c.memory))
}

func TestSampleOwnProcess(t *testing.T) {
	u, err := sampleProcess(context.Background(), int32(os.Getpid()))
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}
	assert.Positive(t, u.MemoryMB)
}
