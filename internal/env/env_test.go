package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	t.Setenv("MCPFLEET_TEST_TOKEN", "from-os")
	e := New()
	e.Set("API_KEY", "k-123")

	assert.Equal(t, "k-123", e.Expand("${API_KEY}"))
	assert.Equal(t, "from-os", e.Expand("${MCPFLEET_TEST_TOKEN}"))
	assert.Equal(t, "Bearer k-123/from-os", e.Expand("Bearer ${API_KEY}/${MCPFLEET_TEST_TOKEN}"))
	assert.Equal(t, "", e.Expand("${MCPFLEET_DEFINITELY_UNSET}"))
	assert.Equal(t, "$HOME stays", e.Expand("$HOME stays"))
	assert.Equal(t, "${open", e.Expand("${open"))
}

func TestVarOverridesOS(t *testing.T) {
	t.Setenv("MCPFLEET_SHADOW", "os")
	e := New()
	e.FromOS()
	e.Set("MCPFLEET_SHADOW", "file")
	assert.Equal(t, "file", e.Expand("${MCPFLEET_SHADOW}"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"# comment",
		"GITHUB_TOKEN=ghp_abc",
		"export BRAVE_KEY='brave'",
		`QUOTED="x y"`,
		"NOEQ",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	e := New()
	require.NoError(t, e.LoadFile(path))
	assert.Equal(t, Var{"GITHUB_TOKEN": "ghp_abc", "BRAVE_KEY": "brave", "QUOTED": "x y"}, e.Var)
}

func TestResolveAndUnresolved(t *testing.T) {
	e := New()
	e.Set("A", "1")
	overlay := map[string]string{"X": "${A}", "Y": "${MISSING_ONE}", "Z": "lit"}
	assert.Equal(t, map[string]string{"X": "1", "Y": "", "Z": "lit"}, e.Resolve(overlay))
	assert.Equal(t, []string{"MISSING_ONE"}, e.Unresolved(overlay))
	assert.Nil(t, e.Resolve(nil))
}

func TestMerge(t *testing.T) {
	t.Setenv("MCPFLEET_BASE", "base")
	got := Merge(map[string]string{"MCPFLEET_BASE": "over", "NEW_ONE": "1", "": "skip"})
	assert.Contains(t, got, "MCPFLEET_BASE=over")
	assert.Contains(t, got, "NEW_ONE=1")
	assert.NotContains(t, got, "MCPFLEET_BASE=base")
	for _, kv := range got {
		assert.False(t, strings.HasPrefix(kv, "="))
	}
}

func FuzzExpand(f *testing.F) {
	f.Add("${A}-x")
	f.Add("${")
	f.Add("$${A}}")
	f.Fuzz(func(t *testing.T, s string) {
		e := New()
		e.Set("A", "1")
		out := e.Expand(s)
		if !strings.Contains(s, "${") && out != s {
			t.Fatalf("expansion changed input without references: %q -> %q", s, out)
		}
	})
}
