package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpfleet/internal/restart"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "mcp_config.json", `{
  "servers": [
    {
      "name": "github",
      "command": "npx",
      "args": ["@modelcontextprotocol/server-github"],
      "env": {"GITHUB_PERSONAL_ACCESS_TOKEN": "${GH_TOKEN}", "MixedCase": "x"},
      "port": 8001,
      "server_type": "stdio"
    },
    {"name": "remote", "command": "remote-sse", "args": [], "env": {}, "port": null, "server_type": "sse"}
  ],
  "ports": {"kill_conflicts": true}
}`)

	c, err := Load(p)
	require.NoError(t, err)
	require.Len(t, c.Servers, 2)

	gh := c.Servers[0]
	assert.Equal(t, "github", gh.Name)
	assert.Equal(t, 8001, gh.Port)
	assert.Equal(t, ServerStdio, gh.Kind())
	assert.Equal(t, map[string]string{
		"GITHUB_PERSONAL_ACCESS_TOKEN": "${GH_TOKEN}",
		"MixedCase":                    "x",
	}, gh.Env)

	assert.Equal(t, 0, c.Servers[1].Port)
	assert.Equal(t, ServerSSE, c.Servers[1].Kind())

	assert.True(t, c.Ports.Kill)
	assert.Equal(t, restart.DefaultPolicy(), c.Restart)
	assert.Equal(t, 3*time.Second, c.Ports.Grace)
	assert.Equal(t, 10*time.Second, c.ShutdownTimeout)
	assert.Equal(t, 3*time.Second, c.TerminateTimeout)
	assert.Equal(t, []string{"npx", "-y", "supergateway"}, c.GatewayCommand())
}

func TestLoadTOMLDurations(t *testing.T) {
	p := writeFile(t, t.TempDir(), "fleet.toml", `
log_dir = "/var/log/mcp"
shutdown_timeout = 20
terminate_timeout = "500ms"
env_files = ["fleet.env"]

[restart]
max_restarts = 5
stability_window = "1m"
delay = 2

[history]
dsn = "sqlite:///tmp/history.db"

[gateway]
command = "supergateway"

[[servers]]
name = "fetch"
command = "uvx"
args = ["mcp-server-fetch"]
port = 8002
[servers.env]
HTTP_PROXY = "http://proxy:3128"
`)

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, c.ShutdownTimeout)
	assert.Equal(t, 500*time.Millisecond, c.TerminateTimeout)
	assert.Equal(t, restart.Policy{Max: 5, Stability: time.Minute, Delay: 2 * time.Second}, c.Restart)
	assert.Equal(t, []string{"sqlite:///tmp/history.db"}, c.History.DSN)
	assert.Equal(t, []string{"supergateway"}, c.GatewayCommand())
	assert.Equal(t, []string{"fleet.env"}, c.EnvFiles)

	require.Len(t, c.Servers, 1)
	assert.Equal(t, map[string]string{"HTTP_PROXY": "http://proxy:3128"}, c.Servers[0].Env)
	assert.Equal(t, "/var/log/mcp/fetch.log", c.LogFor(c.Servers[0]).PathFor("fetch"))
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "fleet.yaml", `
servers:
  - name: brave
    command: npx
    args: ["@brave/brave-search-mcp-server"]
    env:
      BRAVE_API_KEY: secret
    port: 8003
    log_path: /tmp/brave-custom.log
api:
  listen: 127.0.0.1:9090
metrics:
  listen: 127.0.0.1:9091
  resources:
    enabled: true
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.Len(t, c.Servers, 1)
	assert.Equal(t, "secret", c.Servers[0].Env["BRAVE_API_KEY"])
	assert.Equal(t, "127.0.0.1:9090", c.API.Listen)
	assert.Equal(t, "127.0.0.1:9091", c.Metrics.Listen)
	assert.True(t, c.Metrics.Resources.Enabled)
	assert.Equal(t, 10*time.Second, c.Metrics.Resources.Interval)
	assert.Equal(t, "/tmp/brave-custom.log", c.LogFor(c.Servers[0]).PathFor("brave"))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "absent.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	_, err = Load(writeFile(t, dir, "fleet.ini", "x=1"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	dup := writeFile(t, dir, "dup.json", `{"servers":[{"name":"a","command":"x"},{"name":"a","command":"y"}]}`)
	_, err = Load(dup)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	badType := writeFile(t, dir, "type.json", `{"servers":[{"name":"a","command":"x","server_type":"grpc"}]}`)
	_, err = Load(badType)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	noCmd := writeFile(t, dir, "nocmd.json", `{"servers":[{"name":"a"}]}`)
	_, err = Load(noCmd)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadOrNew(t *testing.T) {
	p := filepath.Join(t.TempDir(), "new.json")
	c, err := LoadOrNew(p)
	require.NoError(t, err)
	assert.Empty(t, c.Servers)
	assert.Equal(t, p, c.Path())
	assert.Equal(t, restart.DefaultPolicy(), c.Restart)
}

func TestAddRemoveSave(t *testing.T) {
	p := writeFile(t, t.TempDir(), "mcp_config.json", `{"servers": [], "log_dir": "/srv/logs"}`)
	c, err := Load(p)
	require.NoError(t, err)

	require.NoError(t, c.Add(Server{Name: "a", Command: "npx", Args: []string{"pkg-a"}, Env: map[string]string{"Token": "t"}, Port: 8100}))
	require.NoError(t, c.Add(Server{Name: "b", Command: "uvx", Type: ServerSSE}))
	assert.ErrorIs(t, c.Add(Server{Name: "a", Command: "other"}), ErrDuplicateServer)
	assert.ErrorIs(t, c.Add(Server{Name: "", Command: "x"}), ErrInvalidConfig)
	require.NoError(t, c.Save())

	var doc map[string]any
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "/srv/logs", doc["log_dir"])

	again, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, again.Names())
	assert.Equal(t, ServerStdio, again.Servers[0].Type)
	assert.Equal(t, "t", again.Servers[0].Env["Token"])

	assert.ErrorIs(t, again.Remove("missing"), ErrUnknownServer)
	require.NoError(t, again.Remove("a"))
	require.NoError(t, again.Save())

	final, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, final.Names())
}

func TestSaveTOMLKeepsOtherKeys(t *testing.T) {
	p := writeFile(t, t.TempDir(), "fleet.toml", "log_dir = \"/logs\"\n")
	c, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, c.Add(Server{Name: "x", Command: "run-x", Port: 9000}))
	require.NoError(t, c.Save())

	again, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/logs", again.LogDir)
	require.Len(t, again.Servers, 1)
	assert.Equal(t, 9000, again.Servers[0].Port)
}

func TestSelect(t *testing.T) {
	c := New("x.json")
	require.NoError(t, c.Add(Server{Name: "a", Command: "x"}))
	require.NoError(t, c.Add(Server{Name: "b", Command: "y"}))

	all, missing := c.Select(nil)
	assert.Len(t, all, 2)
	assert.Empty(t, missing)

	sel, missing := c.Select([]string{"b", "zz", "a"})
	require.Len(t, sel, 2)
	assert.Equal(t, "b", sel[0].Name)
	assert.Equal(t, "a", sel[1].Name)
	assert.Equal(t, []string{"zz"}, missing)
}

func TestEnvironmentAndResolve(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fleet.env", "FILE_TOKEN=from-file\nexport QUOTED=\"q v\"\n")
	p := writeFile(t, dir, "mcp_config.json", `{
  "env_files": ["fleet.env"],
  "servers": [{"name": "a", "command": "x", "env": {"A": "${FILE_TOKEN}", "B": "${MCPFLEET_TEST_OS}", "C": "${NOPE_NOT_SET}", "D": "${QUOTED}"}}]
}`)
	t.Setenv("MCPFLEET_TEST_OS", "from-os")

	c, err := Load(p)
	require.NoError(t, err)
	e, err := c.Environment()
	require.NoError(t, err)

	s := Resolve(c.Servers[0], e)
	assert.Equal(t, map[string]string{"A": "from-file", "B": "from-os", "C": "", "D": "q v"}, s.Env)
	assert.Equal(t, []string{"NOPE_NOT_SET"}, e.Unresolved(c.Servers[0].Env))
	// the configured server keeps its references
	assert.Equal(t, "${FILE_TOKEN}", c.Servers[0].Env["A"])
}

func TestEnvironmentMissingFile(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "c.json"))
	c.EnvFiles = []string{"absent.env"}
	_, err := c.Environment()
	assert.Error(t, err)
}

func TestAPITLSPaths(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "fleet.yaml", `
api:
  listen: 127.0.0.1:9443
  tls:
    enabled: true
    dir: certs
    auto_generate: true
    min_version: "1.3"
    auto_gen:
      dns_names: [fleet.local]
`)
	c, err := Load(p)
	require.NoError(t, err)
	got := c.APITLS()
	assert.True(t, got.Enabled)
	assert.Equal(t, filepath.Join(dir, "certs"), got.Dir)
	assert.Equal(t, "1.3", got.MinVersion)
	assert.Equal(t, []string{"fleet.local"}, got.AutoGen.DNSNames)
	assert.Empty(t, got.CertFile)
	// the loaded section itself is untouched
	assert.Equal(t, "certs", c.API.TLS.Dir)
}
