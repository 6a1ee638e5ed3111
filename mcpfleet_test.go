package mcpfleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpfleet/internal/logger"
	"github.com/loykin/mcpfleet/internal/portprobe"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type freePorts struct{}

func (freePorts) Check(_ context.Context, port int) (portprobe.Result, error) {
	return portprobe.Result{Port: port, Available: true}, nil
}

func TestSupervisorFacadeRun(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcp_config.json")
	data := `{
  "log_dir": "` + filepath.Join(dir, "logs") + `",
  "servers": [
    {"name": "echo", "command": "sh", "args": ["-c", "echo $GREETING; exec sleep 30"], "env": {"GREETING": "hello"}, "server_type": "sse"}
  ]
}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(data), 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	specs, err := BuildSpecs(cfg, nil, true, logger.Discard())
	require.NoError(t, err)
	require.Len(t, specs, 1)

	s := New(Options{Logger: logger.Discard(), Prober: freePorts{}})
	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		r   Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.Run(ctx, specs, Parallel)
		done <- result{r, err}
	}()

	require.Eventually(t, func() bool {
		st, ok := s.Status("echo")
		return ok && st.State == "running"
	}, 5*time.Second, 20*time.Millisecond)

	h := NewHTTPHandler(s, "/api")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var sts []ServerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sts))
	require.Len(t, sts, 1)
	assert.Equal(t, "echo", sts[0].Name)

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(specs[0].LogPath())
		return string(b) == "hello\n"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	res := <-done
	assert.NoError(t, res.err)
	assert.Equal(t, 0, ExitCode(res.r))
}

func TestBuildSpecsMissingNames(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "fleet.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[[servers]]\nname = \"a\"\ncommand = \"uvx\"\nargs = [\"srv\"]\nport = 8300\n"), 0o644))
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)

	specs, err := BuildSpecs(cfg, []string{"a", "missing"}, true, nil)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, 8300, specs[0].Port)
	assert.Equal(t, "adapted", string(specs[0].Mode))
}

func TestMetricsFacade(t *testing.T) {
	require.NoError(t, RegisterMetricsDefault())
	srv, err := ServeMetrics("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewHistorySinkRejectsUnknownScheme(t *testing.T) {
	_, err := NewHistorySink("mongodb://localhost/x")
	assert.Error(t, err)
}
