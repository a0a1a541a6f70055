// Command mcphost runs MCP servers as subprocesses on behalf of a chat
// front end and persists its conversations and settings.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/host"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/storage"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the
// caller prints the returned error to stderr.
//
// Arguments are parsed by hand: the flag package's global CommandLine
// set would keep run from being called concurrently in tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphost - Model Context Protocol server host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start auto_start servers and run until signalled")
	fmt.Fprintln(w, "  tools        Start auto_start servers, print their tools, and exit")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml")
	return nil
}

// runServe starts the configured auto_start servers and blocks until
// ctx is cancelled or SIGINT/SIGTERM arrives, then stops every server.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	h, logger, err := openHost(stdout, configPath)
	if err != nil {
		return err
	}

	sub := h.Events().Subscribe(64)
	go logEvents(logger, sub)
	defer h.Events().Unsubscribe(sub)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h.startConfigured(ctx)

	tools := h.ListTools(ctx)
	logger.Info("MCP tools available", "count", len(tools))
	for _, t := range tools {
		logger.Debug("MCP tool", "name", t.Function.Name)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := h.Close(); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("mcphost stopped")
	return nil
}

// runTools starts the auto_start servers and prints their tools in
// function-calling form as JSON.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	h, _, err := openHost(stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	h.startConfigured(ctx)

	tools := h.ListTools(ctx)
	if tools == nil {
		tools = []mcp.FunctionTool{}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tools)
}

// app is a Host bundled with the config it was built from.
type app struct {
	*host.Host
	cfg    *config.Config
	logger *slog.Logger
}

// startConfigured launches the auto_start servers. Failures are
// logged; the host keeps running with whatever started.
func (a *app) startConfigured(ctx context.Context) {
	servers := a.cfg.AutoStartServers()
	if len(servers) == 0 {
		a.logger.Info("no auto_start MCP servers configured")
		return
	}
	if err := a.StartServers(ctx, servers); err != nil {
		a.logger.Warn("some MCP servers failed to start", "error", err)
	}
	a.logger.Info("MCP servers running", "count", len(a.ListServers()), "configured", len(servers))
}

// openHost loads and validates the config, then wires the logger,
// store, event bus, registry and host. Logs are written to logOut.
func openHost(logOut io.Writer, configPath string) (*app, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logger, err := config.NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	logger.Info("starting mcphost",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	store, err := storage.NewStore(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", cfg.DBPath(), err)
	}

	bus := events.New()
	registry := mcp.NewRegistry(mcp.RegistryConfig{
		Session: mcp.SessionOptions{
			ClientName: cfg.ClientName,
			Timeouts:   cfg.Timeouts,
		},
		Events: bus,
		Logger: logger,
	})

	h, err := host.New(host.Config{
		Registry: registry,
		Store:    store,
		Events:   bus,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return &app{Host: h, cfg: cfg, logger: logger}, logger, nil
}

// logEvents writes bus events to the log until the subscription is
// closed.
func logEvents(logger *slog.Logger, ch <-chan events.Event) {
	for e := range ch {
		attrs := []any{"source", e.Source, "kind", e.Kind}
		for k, v := range e.Data {
			attrs = append(attrs, k, v)
		}
		logger.Debug("event", attrs...)
	}
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
