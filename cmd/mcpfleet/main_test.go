package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c, _ := testCommand(t)
	root := buildRoot(c)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := execRoot(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "mcpfleet")
	for _, sub := range []string{"run", "list", "add", "remove", "check-port", "stop", "logs"} {
		assert.Contains(t, out, sub)
	}
}

func TestRunFlagsRegistered(t *testing.T) {
	out, err := execRoot(t, "run", "--help")
	require.NoError(t, err)
	for _, f := range []string{"--all", "--sequential", "--no-gateway", "--no-keep-alive", "--kill-conflicts",
		"--force-kill", "--force-ports", "--allow-unverified", "--metrics-listen", "--api-listen", "--history-dsn"} {
		assert.Contains(t, out, f)
	}
}

func TestAddListThroughCobra(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	_, err := execRoot(t, "--config", path, "add", "--name", "fetch", "--cmd", "uvx", "--args", "mcp-server-fetch,--ignore-robots-txt", "--env", "TOKEN=a=b", "--port", "8002")
	require.NoError(t, err)

	out, err := execRoot(t, "--config", path, "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "fetch"`)
	assert.Contains(t, out, `"--ignore-robots-txt"`)
	assert.Contains(t, out, `"TOKEN": "a=b"`)

	_, err = execRoot(t, "--config", path, "add", "--name", "fetch", "--cmd", "uvx")
	assert.Error(t, err)
	assert.Equal(t, 1, exitCode(err))

	_, err = execRoot(t, "--config", path, "remove", "fetch")
	require.NoError(t, err)
	out, err = execRoot(t, "--config", path, "list")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "No MCP servers configured"), out)
}

func TestRequiredFlags(t *testing.T) {
	_, err := execRoot(t, "add", "--name", "x")
	assert.Error(t, err)

	_, err = execRoot(t, "check-port")
	assert.Error(t, err)

	_, err = execRoot(t, "check-port", "--server", "a", "--port", "1")
	assert.Error(t, err)

	_, err = execRoot(t, "logs")
	assert.Error(t, err)

	_, err = execRoot(t, "remove")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(assert.AnError))
	assert.Equal(t, 2, exitCode(withCode(2, assert.AnError)))
	assert.NoError(t, withCode(2, nil))
	assert.ErrorIs(t, withCode(1, assert.AnError), assert.AnError)
}
