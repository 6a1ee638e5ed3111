package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loykin/mcpfleet/internal/logger"
)

// Mode records whether the command line was wrapped by the stdio gateway.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeAdapted Mode = "adapted"
)

// Spec describes one logical server handed to the supervisor.
// Env values are already resolved; the process package never expands them.
type Spec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Port    int               `json:"port,omitempty"` // 0 means no listening port
	Mode    Mode              `json:"mode,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Log     logger.Config     `json:"log"`
	// Attached wires stdio to the supervisor's own terminal instead of the
	// log sink. Used for the foreground server in chained mode.
	Attached bool `json:"attached,omitempty"`
}

var ErrInvalidSpec = errors.New("invalid server spec")

// Validate checks the fields the process layer depends on.
func (s Spec) Validate() error {
	if !ValidName(s.Name) {
		return fmt.Errorf("%w: name %q: allowed [A-Za-z0-9._-], no '..'", ErrInvalidSpec, s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("%w: %s: command required", ErrInvalidSpec, s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: %s: port %d out of range", ErrInvalidSpec, s.Name, s.Port)
	}
	switch s.Mode {
	case "", ModeDirect, ModeAdapted:
	default:
		return fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidSpec, s.Name, s.Mode)
	}
	return nil
}

// CommandLine renders the command for display.
func (s Spec) CommandLine() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// LogPath is where the server's output goes.
func (s Spec) LogPath() string { return s.Log.PathFor(s.Name) }

// BuildCommand constructs the *exec.Cmd without a shell; the command and
// arguments are passed through as resolved by the caller.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- the command line is operator configuration
	cmd := exec.Command(s.Command, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd
}

// ValidName reports whether s may name a server. Names become log file
// names and URL path segments: [A-Za-z0-9._-], no "..".
func ValidName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
