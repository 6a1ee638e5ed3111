package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mcpfleet/internal/config"
	"github.com/loykin/mcpfleet/internal/conflict"
	"github.com/loykin/mcpfleet/internal/gateway"
	"github.com/loykin/mcpfleet/internal/history"
	"github.com/loykin/mcpfleet/internal/history/factory"
	"github.com/loykin/mcpfleet/internal/logger"
	"github.com/loykin/mcpfleet/internal/metrics"
	"github.com/loykin/mcpfleet/internal/portprobe"
	"github.com/loykin/mcpfleet/internal/restart"
	"github.com/loykin/mcpfleet/internal/server"
	"github.com/loykin/mcpfleet/internal/supervisor"
	"github.com/loykin/mcpfleet/internal/tls"
)

const serverShutdownTimeout = 2 * time.Second

// command carries what every subcommand needs; tests swap the prober and
// the writers.
type command struct {
	out   io.Writer
	log   *slog.Logger
	probe portprobe.Prober
	// registry receives the fleet metrics.
	registry prometheus.Registerer
	gatherer prometheus.Gatherer
}

func newCommand(out io.Writer, log *slog.Logger) *command {
	return &command{
		out:      out,
		log:      log,
		probe:    portprobe.NewSystem(),
		registry: prometheus.DefaultRegisterer,
		gatherer: prometheus.DefaultGatherer,
	}
}

// Run launches the selected servers and blocks until ctx is cancelled or
// the run ends on its own. The returned error carries the exit code.
func (c *command) Run(ctx context.Context, configPath string, f RunFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return withCode(supervisor.ExitPrecondition, fmt.Errorf("load config: %w", err))
	}
	names := f.Names
	if f.All {
		names = nil
	} else if len(names) == 0 {
		return withCode(supervisor.ExitPrecondition, errors.New("name the servers to run or pass --all"))
	}
	servers, missing := cfg.Select(names)
	if len(missing) > 0 {
		c.log.Warn("servers not found in config", "names", missing, "config", configPath)
	}
	if len(servers) == 0 {
		return withCode(supervisor.ExitPrecondition, fmt.Errorf("%w: no servers to run", supervisor.ErrInvalidSpecs))
	}

	gw := gateway.Options{Enabled: !f.NoGateway && !cfg.Gateway.Disabled}
	specs, err := gateway.Specs(cfg, servers, gw, c.log)
	if err != nil {
		return withCode(supervisor.ExitPrecondition, err)
	}

	sinks, err := factory.NewSinks(append(append([]string{}, cfg.History.DSN...), f.HistoryDSNs...))
	if err != nil {
		return withCode(supervisor.ExitPrecondition, fmt.Errorf("history: %w", err))
	}

	opts := supervisor.Options{
		Restart:          cfg.Restart,
		Ports:            cfg.Ports,
		AllowUnverified:  f.AllowUnverified,
		ForcePorts:       f.ForcePorts,
		TerminateTimeout: cfg.TerminateTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Sinks:            sinks,
		Logger:           c.log,
		Prober:           c.probe,
	}
	if f.NoKeepAlive {
		opts.Restart = restart.Never()
	}
	if f.KillConflicts {
		opts.Ports.Kill = true
	}
	if f.ForceKill {
		opts.Ports.Force = true
	}

	if err := metrics.Register(c.registry); err != nil {
		c.log.Warn("failed to register metrics", "error", err)
	}
	var resources *metrics.ResourceCollector
	if cfg.Metrics.Resources.Enabled {
		resources = metrics.NewResourceCollector(cfg.Metrics.Resources)
		if err := resources.Register(c.registry); err != nil {
			c.log.Warn("failed to register resource metrics", "error", err)
		}
	}

	sup := supervisor.New(opts)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if resources != nil {
		go resources.Run(runCtx, sup.PIDs)
	}

	var httpServers []*http.Server
	defer func() {
		for _, s := range httpServers {
			sctx, scancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			_ = s.Shutdown(sctx)
			scancel()
		}
	}()
	metricsListen := firstNonEmpty(f.MetricsListen, cfg.Metrics.Listen)
	if metricsListen != "" {
		s, err := server.NewServer(metricsListen, server.MetricsHandler(metrics.HandlerFor(c.gatherer)))
		if err != nil {
			return withCode(supervisor.ExitPrecondition, fmt.Errorf("metrics listen %s: %w", metricsListen, err))
		}
		httpServers = append(httpServers, s)
		c.log.Info("serving metrics", "addr", s.Addr)
	}
	apiListen := firstNonEmpty(f.APIListen, cfg.API.Listen)
	if apiListen != "" {
		ropts := server.Options{Prober: c.probe}
		if resources != nil {
			ropts.Usage = resources.Latest
		}
		tc, err := tls.Setup(cfg.APITLS())
		if err != nil {
			return withCode(supervisor.ExitPrecondition, fmt.Errorf("api tls: %w", err))
		}
		s, err := server.NewTLSServer(apiListen, server.NewRouter(sup, ropts).Handler(), tc)
		if err != nil {
			return withCode(supervisor.ExitPrecondition, fmt.Errorf("api listen %s: %w", apiListen, err))
		}
		httpServers = append(httpServers, s)
		c.log.Info("serving status api", "addr", s.Addr, "tls", tc != nil)
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		c.announce(sup.Events(), servers, gw)
	}()

	mode := supervisor.Parallel
	if f.Sequential {
		mode = supervisor.ForegroundChained
	}
	c.log.Info("starting servers", "count", len(specs), "mode", mode.String())
	report, runErr := sup.Run(runCtx, specs, mode)
	<-printed

	c.printReport(report)
	code := supervisor.ExitCode(report)
	if code != supervisor.ExitOK {
		if runErr == nil {
			runErr = fmt.Errorf("servers failed: %s", strings.Join(report.Failed(), ", "))
		}
		return withCode(code, runErr)
	}
	if runErr != nil {
		c.log.Warn("shutdown incomplete", "error", runErr)
	}
	return nil
}

// announce prints where each launched server can be reached, once.
func (c *command) announce(events <-chan history.Event, servers []config.Server, gw gateway.Options) {
	byName := make(map[string]config.Server, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	seen := map[string]bool{}
	for e := range events {
		if e.Type != history.EventLaunched || seen[e.Server] {
			continue
		}
		seen[e.Server] = true
		s, ok := byName[e.Server]
		if !ok {
			continue
		}
		if e.LogPath != "" {
			_, _ = fmt.Fprintf(c.out, "%s running (pid %d), logs: %s\n", e.Server, e.PID, e.LogPath)
		} else {
			_, _ = fmt.Fprintf(c.out, "%s running (pid %d) in the foreground\n", e.Server, e.PID)
		}
		if gateway.Adapted(s, gw) {
			u := gateway.Endpoints(s)
			_, _ = fmt.Fprintf(c.out, "  SSE endpoint: %s\n  POST messages to: %s\n", u.SSE, u.Message)
		}
	}
}

func (c *command) printReport(r supervisor.Report) {
	for _, s := range r.Servers {
		line := fmt.Sprintf("%-20s %-10s restarts=%d", s.Name, s.State, s.Restarts)
		if s.LastExit != nil {
			line += " last_exit=" + s.LastExit.String()
		}
		if s.Error != "" {
			line += fmt.Sprintf(" error=%q kind=%s log=%s", s.Error, s.ErrorKind, s.LogPath)
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
}

// List prints the configured servers.
func (c *command) List(configPath string, f ListFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, cfg.Servers)
		return nil
	}
	if len(cfg.Servers) == 0 {
		_, _ = fmt.Fprintln(c.out, "No MCP servers configured")
		return nil
	}
	for i, s := range cfg.Servers {
		_, _ = fmt.Fprintf(c.out, "%d. %s\n", i+1, s.Name)
		_, _ = fmt.Fprintf(c.out, "   Command: %s\n", strings.TrimSpace(s.Command+" "+strings.Join(s.Args, " ")))
		_, _ = fmt.Fprintf(c.out, "   Server type: %s\n", s.Kind())
		if len(s.Env) > 0 {
			keys := make([]string, 0, len(s.Env))
			for k := range s.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			_, _ = fmt.Fprintf(c.out, "   Environment variables: %s\n", strings.Join(keys, ", "))
		}
		if s.Port > 0 {
			_, _ = fmt.Fprintf(c.out, "   Port: %d\n", s.Port)
		}
		_, _ = fmt.Fprintf(c.out, "   Log: %s\n", cfg.LogFor(s).PathFor(s.Name))
		_, _ = fmt.Fprintln(c.out)
	}
	return nil
}

// Add appends a server to the config file, creating the file if needed.
func (c *command) Add(configPath string, f AddFlags) error {
	cfg, err := config.LoadOrNew(configPath)
	if err != nil {
		return err
	}
	envs, err := parseEnvPairs(f.Env)
	if err != nil {
		return err
	}
	s := config.Server{
		Name:    f.Name,
		Command: f.Cmd,
		Args:    f.Args,
		Env:     envs,
		Port:    f.Port,
		Type:    config.ServerType(f.Type),
		WorkDir: f.WorkDir,
		LogPath: f.LogPath,
	}
	if err := cfg.Add(s); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Added MCP server: %s\n", f.Name)
	return nil
}

// Remove deletes a server from the config file.
func (c *command) Remove(configPath, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Remove(name); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Removed MCP server: %s\n", name)
	return nil
}

// CheckPort reports who holds a port and optionally clears it.
func (c *command) CheckPort(ctx context.Context, configPath string, f CheckPortFlags) error {
	port, label := f.Port, fmt.Sprintf("port %d", f.Port)
	if f.Server != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		s, ok := cfg.Find(f.Server)
		if !ok {
			return fmt.Errorf("%w: %s", config.ErrUnknownServer, f.Server)
		}
		port = effectivePort(cfg, s)
		label = fmt.Sprintf("%s (port %d)", s.Name, port)
	}
	if port < 1 || port > 65535 {
		return errors.New("pass --server or a --port between 1 and 65535")
	}

	if !f.KillConflicts && !f.ForceKill {
		res, err := c.probe.Check(ctx, port)
		if err != nil {
			return err
		}
		c.printProbe(label, res)
		if !res.Available {
			return withCode(1, fmt.Errorf("%s is in use", label))
		}
		return nil
	}

	r := conflict.NewResolver(c.probe, c.log)
	res, err := r.EnsureAvailable(ctx, port, conflict.Policy{Kill: f.KillConflicts, Force: f.ForceKill, Grace: f.Grace})
	if err != nil {
		return err
	}
	return c.printResolution(label, res)
}

// Stop clears the ports of every configured server, the way a previous
// run's leftovers are cleaned up.
func (c *command) Stop(ctx context.Context, configPath string, f StopFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	r := conflict.NewResolver(c.probe, c.log)
	policy := conflict.Policy{Kill: true, Force: f.ForceKill, Grace: f.Grace}
	done := map[int]bool{}
	var errs []error
	for _, s := range cfg.Servers {
		port := effectivePort(cfg, s)
		if port == 0 || done[port] {
			continue
		}
		done[port] = true
		label := fmt.Sprintf("%s (port %d)", s.Name, port)
		res, err := r.EnsureAvailable(ctx, port, policy)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
			continue
		}
		if err := c.printResolution(label, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logs prints the tail of a server's log.
func (c *command) Logs(configPath string, f LogsFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	s, ok := cfg.Find(f.Server)
	if !ok {
		return fmt.Errorf("%w: %s", config.ErrUnknownServer, f.Server)
	}
	path := cfg.LogFor(s).PathFor(s.Name)
	lines, err := logger.Tail(path, f.Lines)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		_, _ = fmt.Fprintf(c.out, "no output in %s\n", path)
		return nil
	}
	for _, l := range lines {
		_, _ = fmt.Fprintln(c.out, l)
	}
	return nil
}

func (c *command) printProbe(label string, res portprobe.Result) {
	if res.Available {
		_, _ = fmt.Fprintf(c.out, "%s is free\n", label)
		return
	}
	_, _ = fmt.Fprintf(c.out, "%s is in use by %s\n", label, owners(res.Owners))
}

func (c *command) printResolution(label string, res conflict.Result) error {
	switch res.Outcome {
	case conflict.Clear:
		if len(res.Signalled) > 0 {
			_, _ = fmt.Fprintf(c.out, "%s cleared (signalled %v)\n", label, res.Signalled)
		} else {
			_, _ = fmt.Fprintf(c.out, "%s is free\n", label)
		}
	case conflict.Forced:
		_, _ = fmt.Fprintf(c.out, "%s cleared by force (signalled %v)\n", label, res.Signalled)
	default:
		_, _ = fmt.Fprintf(c.out, "%s still held by %s\n", label, owners(res.Owners))
		return withCode(1, &conflict.BlockedError{Server: label, Port: res.Port, Owners: res.Owners})
	}
	return nil
}

// effectivePort is the port the server's process will listen on.
func effectivePort(cfg *config.Config, s config.Server) int {
	gw := gateway.Options{Enabled: !cfg.Gateway.Disabled}
	return gateway.Build(s, gw).Port
}

func owners(list []portprobe.Owner) string {
	parts := make([]string, 0, len(list))
	for _, o := range list {
		parts = append(parts, fmt.Sprintf("%s[%d]", o.Command, o.PID))
	}
	return strings.Join(parts, ", ")
}
