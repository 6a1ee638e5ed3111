package mcpfleet

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mcpfleet/internal/config"
	"github.com/loykin/mcpfleet/internal/gateway"
	"github.com/loykin/mcpfleet/internal/history"
	"github.com/loykin/mcpfleet/internal/history/factory"
	"github.com/loykin/mcpfleet/internal/metrics"
	"github.com/loykin/mcpfleet/internal/portprobe"
	"github.com/loykin/mcpfleet/internal/process"
	iapi "github.com/loykin/mcpfleet/internal/server"
	"github.com/loykin/mcpfleet/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Server = config.Server

type Config = config.Config

type Options = supervisor.Options

type ServerStatus = supervisor.ServerStatus

type Report = supervisor.Report

type Mode = supervisor.Mode

type Event = history.Event

type HistorySink = history.Sink

type PortResult = portprobe.Result

const (
	Parallel          = supervisor.Parallel
	ForegroundChained = supervisor.ForegroundChained
)

var (
	ErrInvalidSpecs    = supervisor.ErrInvalidSpecs
	ErrCrashExit       = supervisor.ErrCrashExit
	ErrShutdownTimeout = supervisor.ErrShutdownTimeout
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(opts Options) *Supervisor { return &Supervisor{inner: supervisor.New(opts)} }

func (s *Supervisor) Start(ctx context.Context, specs []Spec) error { return s.inner.Start(ctx, specs) }
func (s *Supervisor) Run(ctx context.Context, specs []Spec, mode Mode) (Report, error) {
	return s.inner.Run(ctx, specs, mode)
}
func (s *Supervisor) Shutdown(timeout time.Duration) error    { return s.inner.Shutdown(timeout) }
func (s *Supervisor) Statuses() []ServerStatus                { return s.inner.Statuses() }
func (s *Supervisor) Status(name string) (ServerStatus, bool) { return s.inner.Status(name) }
func (s *Supervisor) Events() <-chan Event                    { return s.inner.Events() }
func (s *Supervisor) Report() Report                          { return s.inner.Report() }

// ExitCode maps a run report to a process exit code (0, 1 or 2).
func ExitCode(r Report) int { return supervisor.ExitCode(r) }

// LoadConfig reads a JSON, TOML or YAML fleet configuration.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// BuildSpecs selects servers from cfg (all when names is empty), resolves
// their environment and wraps stdio servers with the gateway when enabled.
func BuildSpecs(cfg *Config, names []string, gatewayEnabled bool, log *slog.Logger) ([]Spec, error) {
	servers, missing := cfg.Select(names)
	if len(missing) > 0 && log != nil {
		log.Warn("servers not found in config", "names", missing)
	}
	return gateway.Specs(cfg, servers, gateway.Options{Enabled: gatewayEnabled}, log)
}

// CheckPort probes the live socket table for port.
func CheckPort(ctx context.Context, port int) (PortResult, error) {
	return portprobe.NewSystem().Check(ctx, port)
}

// NewHistorySink opens a sink by DSN (sqlite://, postgres://, clickhouse://, opensearch://).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPHandler exposes the read-only status API for s.
func NewHTTPHandler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(s.inner, iapi.Options{BasePath: basePath, Prober: portprobe.NewSystem()}).Handler()
}

// NewHTTPServer starts the status API on addr.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, NewHTTPHandler(s, basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics from the
// default registry.
func ServeMetrics(addr string) (*http.Server, error) {
	return iapi.NewServer(addr, iapi.MetricsHandler(metrics.Handler()))
}
