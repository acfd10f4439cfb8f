// Threadline is a conversation-session coordinator for support agents.
//
// It fronts an external agent-execution engine with durable per-subject
// conversation context, resumable approval workflows, and channel
// bridges (HTTP, MQTT, email). Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	threadline serve             Start the coordinator
//	threadline version           Print version and build information
//	threadline -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/threadline-ai/threadline/internal/buildinfo"
	"github.com/threadline-ai/threadline/internal/bridge/mailbridge"
	"github.com/threadline-ai/threadline/internal/bridge/mqttbridge"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/engine/remote"
	"github.com/threadline-ai/threadline/internal/events"
	"github.com/threadline-ai/threadline/internal/lifecycle"
	"github.com/threadline-ai/threadline/internal/orchestrator"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/store/filestore"
	"github.com/threadline-ai/threadline/internal/store/redisstore"
	"github.com/threadline-ai/threadline/internal/store/sqlitestore"
	"github.com/threadline-ai/threadline/internal/subject"
	"github.com/threadline-ai/threadline/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Local .env files supplement the environment for ${VAR} expansion
	// in the config file. Missing files are fine.
	_ = godotenv.Load()

	var configPath string
	var outputFmt string
	var command string

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
			return fmt.Errorf("unknown flag: %s", args[i])
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Threadline - Conversation Session Coordinator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: threadline [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the coordinator")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./threadline.yaml, ~/.config/threadline/threadline.yaml,")
	fmt.Fprintln(w, "  /etc/threadline/threadline.yaml")
	return nil
}

// newLogger creates a structured logger writing to w at the given
// level.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// runServe boots the full coordinator: stores, engine client, resolver,
// orchestrator, sweeper, HTTP API, and the optional channel bridges. It
// blocks until ctx is cancelled or a termination signal arrives, then
// shuts everything down in reverse order.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Threadline", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"backend", cfg.Store.Backend,
		"resolver", cfg.Resolver.Kind,
		"engine", cfg.Engine.BaseURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Stores ---
	contexts, runstates, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()
	if err := contexts.Init(ctx); err != nil {
		return fmt.Errorf("init context store: %w", err)
	}
	if err := runstates.Init(ctx); err != nil {
		return fmt.Errorf("init runstate store: %w", err)
	}

	// --- Subject resolver ---
	resolver, err := buildResolver(cfg, logger)
	if err != nil {
		return err
	}

	// --- Engine client ---
	// No transport-level timeout: the orchestrator enforces the turn
	// deadline and abandons slow calls itself.
	eng := remote.New(cfg.Engine.BaseURL, 0, logger)

	// --- Orchestrator, events, sweeper ---
	bus := events.New()
	orch := orchestrator.New(contexts, runstates, eng, bus, logger, orchestrator.Options{
		EngineTimeout: cfg.Engine.Timeout(),
	})

	sweeper := lifecycle.New(logger, orch, runstates, contexts, bus, cfg.Sweep.Interval(), cfg.Sweep.Retention())
	sweeper.Start()
	defer sweeper.Stop()

	// --- Channel bridges ---
	if cfg.MQTT.Enabled {
		mqtt := mqttbridge.New(cfg.MQTT, cfg.DefaultAgent, orch, resolver, logger)
		if err := mqtt.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mqtt.Stop(stopCtx); err != nil {
				logger.Warn("mqtt bridge stop failed", "error", err)
			}
		}()
	}
	if cfg.Mail.Enabled {
		mail := mailbridge.New(cfg.Mail, cfg.DefaultAgent, orch, logger)
		mail.Start()
		defer mail.Stop()
	}

	// --- HTTP API ---
	api := web.New(logger, orch, resolver, bus, cfg.DefaultAgent)
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port)),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Flush every live session so nothing is lost across the restart.
	for _, id := range orch.ActiveSubjects() {
		if err := orch.EndSession(shutdownCtx, id); err != nil {
			logger.Warn("session flush failed", "subject", id, "error", err)
		}
	}
	return nil
}

// buildStores constructs the configured persistence backend. The
// returned closer releases backend resources and is safe to call once.
func buildStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.ContextStore, store.RunStateStore, func(), error) {
	switch cfg.Store.Backend {
	case "file":
		contexts := filestore.NewContextStore(cfg.Store.Dir, cfg.Store.ContextMaxAge(), logger)
		runstates := filestore.NewRunStateStore(cfg.Store.Dir, cfg.Store.RunStateMaxAge(), logger)
		return contexts, runstates, func() {}, nil

	case "sqlite":
		db, err := sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Store.SQLitePath, err)
		}
		contexts := sqlitestore.NewContextStore(db, cfg.Store.ContextMaxAge(), logger)
		runstates := sqlitestore.NewRunStateStore(db, cfg.Store.RunStateMaxAge(), logger)
		return contexts, runstates, func() { _ = db.Close() }, nil

	case "redis":
		client, err := redisstore.Connect(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		contexts := redisstore.NewContextStore(client, cfg.Store.ContextMaxAge(), logger)
		runstates := redisstore.NewRunStateStore(client, cfg.Store.RunStateMaxAge(), logger)
		return contexts, runstates, func() { _ = client.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildResolver constructs the configured subject resolver.
func buildResolver(cfg *config.Config, logger *slog.Logger) (subject.Resolver, error) {
	switch cfg.Resolver.Kind {
	case "phone":
		return subject.NewPhoneResolver(logger), nil
	case "carddav":
		return subject.NewCardDAVResolver(cfg.Resolver.CardDAV, logger)
	default:
		return nil, fmt.Errorf("unknown resolver kind %q", cfg.Resolver.Kind)
	}
}
