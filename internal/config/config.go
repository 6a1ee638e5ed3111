package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mcpfleet/internal/conflict"
	"github.com/loykin/mcpfleet/internal/env"
	"github.com/loykin/mcpfleet/internal/logger"
	"github.com/loykin/mcpfleet/internal/metrics"
	"github.com/loykin/mcpfleet/internal/restart"
	"github.com/loykin/mcpfleet/internal/tls"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "mcp_config.json"

// DefaultGatewayCommand wraps stdio servers so they are reachable over SSE.
const DefaultGatewayCommand = "npx -y supergateway"

var (
	ErrDuplicateServer = errors.New("server already exists")
	ErrUnknownServer   = errors.New("server not found")
	ErrInvalidConfig   = errors.New("invalid config")
)

type ServerType string

const (
	// ServerStdio speaks MCP over stdin/stdout and needs the gateway to be
	// reachable on a port.
	ServerStdio ServerType = "stdio"
	// ServerSSE serves HTTP/SSE on its own.
	ServerSSE ServerType = "sse"
)

// Server is one configured MCP server.
type Server struct {
	Name    string            `json:"name" toml:"name" yaml:"name" mapstructure:"name"`
	Command string            `json:"command" toml:"command" yaml:"command" mapstructure:"command"`
	Args    []string          `json:"args" toml:"args" yaml:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" toml:"env" yaml:"env" mapstructure:"env"`
	Port    int               `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty" mapstructure:"port"`
	Type    ServerType        `json:"server_type" toml:"server_type" yaml:"server_type" mapstructure:"server_type"`
	WorkDir string            `json:"work_dir,omitempty" toml:"work_dir,omitempty" yaml:"work_dir,omitempty" mapstructure:"work_dir"`
	LogPath string            `json:"log_path,omitempty" toml:"log_path,omitempty" yaml:"log_path,omitempty" mapstructure:"log_path"`
}

// Kind returns the server type, treating an unset type as stdio.
func (s Server) Kind() ServerType {
	if s.Type == "" {
		return ServerStdio
	}
	return s.Type
}

// Validate checks the fields a launch depends on.
func (s Server) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: server name is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("%w: server %s: command is required", ErrInvalidConfig, s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: server %s: port %d out of range", ErrInvalidConfig, s.Name, s.Port)
	}
	switch s.Kind() {
	case ServerStdio, ServerSSE:
	default:
		return fmt.Errorf("%w: server %s: unknown server_type %q", ErrInvalidConfig, s.Name, s.Type)
	}
	return nil
}

type History struct {
	DSN []string `json:"dsn,omitempty" mapstructure:"dsn"`
}

type Metrics struct {
	Listen    string                 `json:"listen,omitempty" mapstructure:"listen"`
	Resources metrics.ResourceConfig `json:"resources" mapstructure:"resources"`
}

type API struct {
	Listen string     `json:"listen,omitempty" mapstructure:"listen"`
	TLS    tls.Config `json:"tls" mapstructure:"tls"`
}

type Gateway struct {
	Command  string `json:"command,omitempty" mapstructure:"command"`
	Disabled bool   `json:"disabled,omitempty" mapstructure:"disabled"`
}

// Config is the whole configuration file. Only Servers is written back by
// Save; every other key in the file is preserved as found.
type Config struct {
	Servers          []Server        `mapstructure:"servers"`
	LogDir           string          `mapstructure:"log_dir"`
	Log              logger.Config   `mapstructure:"log"`
	Restart          restart.Policy  `mapstructure:"restart"`
	Ports            conflict.Policy `mapstructure:"ports"`
	ShutdownTimeout  time.Duration   `mapstructure:"shutdown_timeout"`
	TerminateTimeout time.Duration   `mapstructure:"terminate_timeout"`
	History          History         `mapstructure:"history"`
	Metrics          Metrics         `mapstructure:"metrics"`
	API              API             `mapstructure:"api"`
	Gateway          Gateway         `mapstructure:"gateway"`
	EnvFiles         []string        `mapstructure:"env_files"`

	path string
}

// New returns an empty configuration bound to path, with defaults applied.
func New(path string) *Config {
	c := &Config{path: path}
	c.Restart = restart.DefaultPolicy()
	c.Ports.Grace = conflict.DefaultGrace
	c.ShutdownTimeout = defaultShutdownTimeout
	c.TerminateTimeout = defaultTerminateTimeout
	c.Gateway.Command = DefaultGatewayCommand
	return c
}

const (
	defaultShutdownTimeout  = 10 * time.Second
	defaultTerminateTimeout = 3 * time.Second
)

func setDefaults(v *viper.Viper) {
	p := restart.DefaultPolicy()
	v.SetDefault("restart.max_restarts", p.Max)
	v.SetDefault("restart.stability_window", p.Stability.String())
	v.SetDefault("restart.delay", p.Delay.String())
	v.SetDefault("ports.grace", conflict.DefaultGrace.String())
	v.SetDefault("shutdown_timeout", defaultShutdownTimeout.String())
	v.SetDefault("terminate_timeout", defaultTerminateTimeout.String())
	v.SetDefault("gateway.command", DefaultGatewayCommand)
	v.SetDefault("metrics.resources.interval", "10s")
}

// Load reads a JSON, TOML or YAML configuration, chosen by file extension.
// A missing file yields an error matching os.ErrNotExist.
func Load(path string) (*Config, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(f.name)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c := &Config{path: path}
	if err := v.Unmarshal(c, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	// viper folds map keys to lower case; env names are case sensitive.
	if err := restoreEnv(path, f, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadOrNew behaves like Load but returns an empty configuration when the file
// does not exist yet.
func LoadOrNew(path string) (*Config, error) {
	c, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, ferr := formatFor(path); ferr != nil {
			return nil, ferr
		}
		return New(path), nil
	}
	return c, err
}

// Path returns the file this configuration was loaded from.
func (c *Config) Path() string { return c.path }

// Validate checks every server and rejects duplicate names.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate server name %q", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Find returns the named server.
func (c *Config) Find(name string) (Server, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// Names lists configured servers in file order.
func (c *Config) Names() []string {
	out := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, s.Name)
	}
	return out
}

// Select returns the named servers in the order given. Names that are not
// configured are reported in missing. An empty names list selects all.
func (c *Config) Select(names []string) (selected []Server, missing []string) {
	if len(names) == 0 {
		return append([]Server(nil), c.Servers...), nil
	}
	for _, n := range names {
		if s, ok := c.Find(n); ok {
			selected = append(selected, s)
		} else {
			missing = append(missing, n)
		}
	}
	return selected, missing
}

// Add appends a server. Names must be unique.
func (c *Config) Add(s Server) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, ok := c.Find(s.Name); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, s.Name)
	}
	if s.Type == "" {
		s.Type = ServerStdio
	}
	if s.Args == nil {
		s.Args = []string{}
	}
	if s.Env == nil {
		s.Env = map[string]string{}
	}
	c.Servers = append(c.Servers, s)
	return nil
}

// Remove deletes the named server.
func (c *Config) Remove(name string) error {
	for i, s := range c.Servers {
		if s.Name == name {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownServer, name)
}

// Environment builds the ${VAR} resolver: the OS environment overlaid with
// env_files in order. Relative env file paths are resolved against the
// configuration file's directory.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New()
	e.FromOS()
	for _, p := range c.EnvFiles {
		p = c.relative(p)
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return e, nil
}

// relative resolves p against the directory of the config file.
func (c *Config) relative(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// APITLS returns the status API TLS settings with file paths resolved
// against the config file's directory.
func (c *Config) APITLS() tls.Config {
	t := c.API.TLS
	t.CertFile = c.relative(t.CertFile)
	t.KeyFile = c.relative(t.KeyFile)
	t.Dir = c.relative(t.Dir)
	return t
}

// Resolve returns s with every env value expanded through e.
func Resolve(s Server, e *env.Env) Server {
	s.Env = e.Resolve(s.Env)
	return s
}

// LogFor returns the sink configuration for s: log_path when set, otherwise
// <log_dir>/<name>.log, with the shared rotation settings.
func (c *Config) LogFor(s Server) logger.Config {
	l := c.Log
	if c.LogDir != "" {
		l.Dir = c.LogDir
	}
	l.Path = s.LogPath
	return l
}

// GatewayCommand splits the configured gateway command line.
func (c *Config) GatewayCommand() []string {
	f := strings.Fields(c.Gateway.Command)
	if len(f) == 0 {
		return strings.Fields(DefaultGatewayCommand)
	}
	return f
}
