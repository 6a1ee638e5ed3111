package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"minimal", Spec{Name: "fetch", Command: "uvx"}, true},
		{"adapted", Spec{Name: "a.b-c_d", Command: "npx", Port: 8000, Mode: ModeAdapted}, true},
		{"empty name", Spec{Command: "x"}, false},
		{"traversal", Spec{Name: "..", Command: "x"}, false},
		{"slash", Spec{Name: "a/b", Command: "x"}, false},
		{"empty command", Spec{Name: "x", Command: "  "}, false},
		{"negative port", Spec{Name: "x", Command: "x", Port: -1}, false},
		{"huge port", Spec{Name: "x", Command: "x", Port: 70000}, false},
		{"bad mode", Spec{Name: "x", Command: "x", Mode: "proxy"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSpec)
			}
		})
	}
}

func TestSpecCommandLineAndBuild(t *testing.T) {
	s := Spec{Name: "x", Command: "uvx", Args: []string{"mcp-server-fetch", "--flag"}, WorkDir: "/tmp"}
	assert.Equal(t, "uvx mcp-server-fetch --flag", s.CommandLine())
	cmd := s.BuildCommand()
	assert.Equal(t, []string{"uvx", "mcp-server-fetch", "--flag"}, cmd.Args)
	assert.Equal(t, "/tmp", cmd.Dir)
}

func TestValidName(t *testing.T) {
	for _, s := range []string{"a", "A1._-", "server-github", "mcp.fetch_2"} {
		assert.True(t, ValidName(s), s)
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "with space", "unicode한글"} {
		assert.False(t, ValidName(s), s)
	}
}
