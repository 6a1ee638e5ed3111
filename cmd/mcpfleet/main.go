package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/mcpfleet/internal/config"
	"github.com/loykin/mcpfleet/internal/conflict"
	"github.com/loykin/mcpfleet/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := newCommand(os.Stdout, logger.New(os.Stderr, slog.LevelInfo, false))
	root := buildRoot(c)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

// buildRoot wires every subcommand to c.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(c, globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createListCommand(c, globalFlags),
		createAddCommand(c, globalFlags),
		createRemoveCommand(c, globalFlags),
		createCheckPortCommand(c, globalFlags),
		createStopCommand(c, globalFlags),
		createLogsCommand(c, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpfleet",
		Short: "Launch and supervise a fleet of MCP servers",
		Long: `mcpfleet runs the MCP servers listed in a config file, wraps stdio
servers with an SSE gateway, clears stale port owners, restarts crashed
servers and shuts everything down together.

Examples:
  mcpfleet add --name=github --cmd=npx --args=@modelcontextprotocol/server-github --port=8001
  mcpfleet run --all
  mcpfleet run github fetch --sequential
  mcpfleet check-port --server=github --kill-conflicts`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flags.Verbose {
				level = slog.LevelDebug
			}
			c.log = logger.New(cmd.ErrOrStderr(), level, flags.LogJSON)
			c.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", config.DefaultPath, "path to the config file (json, toml or yaml)")
	root.PersistentFlags().BoolVar(&flags.LogJSON, "log-json", false, "write diagnostics as JSON")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [names...]",
		Short: "Run MCP servers until interrupted",
		Long: `Run the named servers, or every configured server with --all.

By default all servers run in the background and mcpfleet waits for Ctrl+C.
With --sequential the last server runs attached to the terminal and its exit
stops the others.

Examples:
  mcpfleet run --all --kill-conflicts
  mcpfleet run github brave --api-listen=127.0.0.1:9090
  mcpfleet run fetch --no-gateway --no-keep-alive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Names = args
			return c.Run(cmd.Context(), globalFlags.ConfigPath, *f)
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, "run every configured server")
	cmd.Flags().BoolVar(&f.Sequential, "sequential", false, "run the last server in the foreground; its exit stops the rest")
	cmd.Flags().BoolVar(&f.NoGateway, "no-gateway", false, "run stdio servers without the SSE gateway")
	cmd.Flags().BoolVar(&f.NoKeepAlive, "no-keep-alive", false, "do not restart crashed servers")
	cmd.Flags().BoolVar(&f.KillConflicts, "kill-conflicts", false, "SIGTERM processes holding a server's port")
	cmd.Flags().BoolVar(&f.ForceKill, "force-kill", false, "SIGKILL port holders that ignore SIGTERM")
	cmd.Flags().BoolVar(&f.ForcePorts, "force-ports", false, "launch even when the port is still in use")
	cmd.Flags().BoolVar(&f.AllowUnverified, "allow-unverified", false, "launch when port ownership cannot be checked")
	cmd.Flags().StringVar(&f.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&f.APIListen, "api-listen", "", "serve the status API on this address")
	cmd.Flags().StringArrayVar(&f.HistoryDSNs, "history-dsn", nil, "record lifecycle events to this DSN (repeatable)")
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(globalFlags.ConfigPath, *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print as JSON")
	return cmd
}

// createAddCommand creates the add subcommand
func createAddCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &AddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an MCP server to the config",
		Long: `Add an MCP server to the config file, creating the file if needed.

Examples:
  mcpfleet add --name=fetch --cmd=uvx --args=mcp-server-fetch --port=8002
  mcpfleet add --name=github --cmd=npx --args=@modelcontextprotocol/server-github --env=GITHUB_PERSONAL_ACCESS_TOKEN='${GH_TOKEN}'
  mcpfleet add --name=remote --cmd=./remote-sse --type=sse --port=9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(globalFlags.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "server name (required)")
	cmd.Flags().StringVar(&f.Cmd, "cmd", "", "command to run (required)")
	cmd.Flags().StringSliceVar(&f.Args, "args", nil, "command arguments")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&f.Port, "port", 0, "port the server listens on")
	cmd.Flags().StringVar(&f.Type, "type", "stdio", "server type: stdio or sse")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().StringVar(&f.LogPath, "log-path", "", "log file (default <log_dir>/<name>.log)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("cmd"); err != nil {
		panic(err)
	}
	return cmd
}

// createRemoveCommand creates the remove subcommand
func createRemoveCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove an MCP server from the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(globalFlags.ConfigPath, args[0])
		},
	}
}

// createCheckPortCommand creates the check-port subcommand
func createCheckPortCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &CheckPortFlags{}
	cmd := &cobra.Command{
		Use:   "check-port",
		Short: "Show who holds a port, optionally clearing it",
		Long: `Show which processes listen on a server's port or on an explicit port.
Exits non-zero when the port stays in use.

Examples:
  mcpfleet check-port --port=8000
  mcpfleet check-port --server=github --kill-conflicts --force-kill`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CheckPort(cmd.Context(), globalFlags.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVar(&f.Server, "server", "", "configured server whose port to check")
	cmd.Flags().IntVar(&f.Port, "port", 0, "port to check")
	cmd.Flags().BoolVar(&f.KillConflicts, "kill-conflicts", false, "SIGTERM the holders")
	cmd.Flags().BoolVar(&f.ForceKill, "force-kill", false, "SIGKILL holders that remain")
	cmd.Flags().DurationVar(&f.Grace, "grace", conflict.DefaultGrace, "how long to wait for the port to clear")
	cmd.MarkFlagsMutuallyExclusive("server", "port")
	cmd.MarkFlagsOneRequired("server", "port")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop whatever holds the ports of the configured servers",
		Long: `Stop processes left listening on the ports of configured servers, for
instance after a run that was killed without cleanup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), globalFlags.ConfigPath, *f)
		},
	}
	cmd.Flags().BoolVar(&f.ForceKill, "force-kill", false, "SIGKILL holders that ignore SIGTERM")
	cmd.Flags().DurationVar(&f.Grace, "grace", conflict.DefaultGrace, "how long to wait for each port to clear")
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of a server's log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(globalFlags.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVar(&f.Server, "server", "", "server name (required)")
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 50, "number of lines")
	if err := cmd.MarkFlagRequired("server"); err != nil {
		panic(err)
	}
	return cmd
}
