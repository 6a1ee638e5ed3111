// Package gateway turns configured MCP servers into launchable process specs,
// wrapping stdio servers with an SSE gateway so they listen on a port.
package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/mcpfleet/internal/config"
	"github.com/loykin/mcpfleet/internal/process"
)

// DefaultPort is where the gateway listens when the server has no port.
const DefaultPort = 8000

const strictRejections = "--unhandled-rejections=strict"

type Options struct {
	// Enabled wraps stdio servers with the gateway.
	Enabled bool
	// Command is the gateway launcher; empty means config.DefaultGatewayCommand.
	Command []string
	// Getenv reads the inherited environment; nil means os.Getenv.
	Getenv func(string) string
}

func (o Options) command() []string {
	if len(o.Command) == 0 {
		return strings.Fields(config.DefaultGatewayCommand)
	}
	return o.Command
}

func (o Options) getenv(k string) string {
	if o.Getenv == nil {
		return os.Getenv(k)
	}
	return o.Getenv(k)
}

// Adapted reports whether s would be wrapped by the gateway under opts.
func Adapted(s config.Server, opts Options) bool {
	return opts.Enabled && s.Kind() == config.ServerStdio
}

// Build converts s into a process spec. s.Env must already be resolved.
// Log and Attached are left for the caller.
func Build(s config.Server, opts Options) process.Spec {
	args := withYes(s.Command, s.Args)
	spec := process.Spec{
		Name:    s.Name,
		Command: s.Command,
		Args:    args,
		Port:    s.Port,
		Mode:    process.ModeDirect,
		WorkDir: s.WorkDir,
	}
	adapted := Adapted(s, opts)
	if adapted {
		gw := opts.command()
		inner := shellJoin(append([]string{s.Command}, args...))
		gargs := append([]string{}, gw[1:]...)
		if s.Port > 0 {
			gargs = append(gargs, "--port", strconv.Itoa(s.Port))
		}
		gargs = append(gargs, "--stdio", inner)
		spec.Command = gw[0]
		spec.Args = gargs
		spec.Mode = process.ModeAdapted
		// the gateway listens on its default port; probe that one
		if spec.Port == 0 {
			spec.Port = DefaultPort
		}
	}
	spec.Env = environment(s.Env, adapted, opts)
	return spec
}

// environment returns the overlay applied on top of the inherited
// environment. Values from the server's own env win.
func environment(serverEnv map[string]string, adapted bool, opts Options) map[string]string {
	out := map[string]string{
		"NPM_CONFIG_YES":   "true",
		"UV_NO_PROGRESS":   "1",
		"UV_QUIET":         "1",
		"PYTHONUNBUFFERED": "1",
		"NODE_OPTIONS":     nodeOptions(opts.getenv("NODE_OPTIONS")),
	}
	if adapted {
		out["UV_SO_REUSEADDR"] = "1"
		out["UV_TCP_SO_REUSEPORT"] = "1"
	}
	for k, v := range serverEnv {
		out[k] = v
	}
	return out
}

func nodeOptions(existing string) string {
	existing = strings.TrimSpace(existing)
	if strings.Contains(existing, strictRejections) {
		return existing
	}
	return strings.TrimSpace(existing + " " + strictRejections)
}

// withYes makes npx non-interactive.
func withYes(command string, args []string) []string {
	out := append([]string{}, args...)
	if command != "npx" {
		return out
	}
	for _, a := range out {
		if a == "-y" {
			return out
		}
	}
	return append([]string{"-y"}, out...)
}

// shellJoin renders argv for the gateway's --stdio option, which is run
// through a shell.
func shellJoin(argv []string) string {
	q := make([]string, len(argv))
	for i, a := range argv {
		q[i] = shellQuote(a)
	}
	return strings.Join(q, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./_-", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// URLs are what a client uses to reach a gateway-wrapped server.
type URLs struct {
	SSE     string `json:"sse"`
	Message string `json:"message"`
}

// Endpoints returns the SSE and message URLs for s.
func Endpoints(s config.Server) URLs {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	base := fmt.Sprintf("http://localhost:%d", port)
	return URLs{SSE: base + "/sse", Message: base + "/message"}
}

// Specs resolves env references and builds the specs for servers in order.
// Unresolved references are logged and expand to empty strings.
func Specs(c *config.Config, servers []config.Server, opts Options, log *slog.Logger) ([]process.Spec, error) {
	if log == nil {
		log = slog.Default()
	}
	e, err := c.Environment()
	if err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 {
		opts.Command = c.GatewayCommand()
	}
	out := make([]process.Spec, 0, len(servers))
	for _, s := range servers {
		if missing := e.Unresolved(s.Env); len(missing) > 0 {
			log.Warn("unresolved environment references", "server", s.Name, "vars", missing)
		}
		spec := Build(config.Resolve(s, e), opts)
		spec.Log = c.LogFor(s)
		out = append(out, spec)
	}
	return out, nil
}
