// Chatrelay relays chat completions from a language model backend to
// HTTP clients as server-sent events, answering memory slash commands
// locally and recording replies in chat transcripts.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one, built-in
// defaults and environment overrides are used.
//
// Usage:
//
//	chatrelay serve              Start the API server
//	chatrelay init [dir]         Write an example config into dir
//	chatrelay ask <message>      Send one message and print the reply
//	chatrelay version            Print version and build information
//	chatrelay -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/chatrelay/internal/api"
	"github.com/nugget/chatrelay/internal/buildinfo"
	"github.com/nugget/chatrelay/internal/chats"
	"github.com/nugget/chatrelay/internal/config"
	"github.com/nugget/chatrelay/internal/connwatch"
	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/memory"
	"github.com/nugget/chatrelay/internal/mqtt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// Database files under the data directory.
const (
	memoryDBFile = "memory.db"
	chatsDBFile  = "chats.db"
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

// run is the real entry point. Structured logs go to stdout for serve
// and to stderr for ask, whose stdout carries the reply. args is
// os.Args[1:], parsed by hand so tests can call run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: chatrelay ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
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
	for _, k := range []string{"version", "revision", "vcs_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Chatrelay - streaming chat completion relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chatrelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <message>  Send one message and print the streamed reply")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/chatrelay/config.yaml, /etc/chatrelay/config.yaml")
	fmt.Fprintln(w, "Without a config file, defaults and environment variables are used.")
	return nil
}

// stores holds the opened databases of a data directory.
type stores struct {
	memory *memory.SQLiteStore
	chats  *chats.Store
}

func openStores(dataDir string) (*stores, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	mem, err := memory.NewSQLiteStore(filepath.Join(dataDir, memoryDBFile))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	cs, err := chats.NewStore(filepath.Join(dataDir, chatsDBFile))
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	return &stores{memory: mem, chats: cs}, nil
}

func (s *stores) Close() {
	s.chats.Close()
	s.memory.Close()
}

// orchestratorOptions maps configuration onto the orchestrator.
func orchestratorOptions(cfg *config.Config) conversation.Options {
	return conversation.Options{
		Owner:               cfg.Owner,
		Temperature:         cfg.Provider.Temperature,
		MaxTokens:           cfg.Provider.MaxTokens,
		RequestTimeout:      cfg.Server.RequestTimeout,
		KeepAlive:           cfg.Server.KeepAlive,
		PersistUserMessages: cfg.Conversation.PersistUserMessages,
	}
}

// runServe handles "chatrelay serve". It opens the stores, builds the
// backend router, starts the API server and the optional MQTT
// forwarder, and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context, aborting in-flight streams
//  2. The HTTP server drains
//  3. The MQTT forwarder announces "offline" and disconnects
//  4. Health probes stop and the databases close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	build := buildinfo.Current()
	logger.Info("starting chatrelay", "version", build.Version, "revision", build.Revision, "modified", build.Modified)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog := configuredLogger(stdout, cfg, slog.LevelInfo)
	defer closeLog()

	if cfgPath == "" {
		logger.Info("no config file found, using defaults and environment")
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"backend", cfg.Provider.Backend,
		"model", cfg.Provider.Model,
		"data_dir", cfg.DataDir,
	)

	st, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.New()

	router, err := llm.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("language model: %w", err)
	}

	facade := memory.NewFacade(st.memory, st.memory, logger)
	orch := conversation.NewOrchestrator(logger, facade, conversation.NewBuilder(facade, logger), router, orchestratorOptions(cfg))
	orch.SetTranscripts(st.chats)
	orch.SetEventBus(bus)

	server := api.NewServer(api.Options{
		Address:      cfg.Listen.Address,
		Port:         cfg.Listen.Port,
		Owner:        cfg.Owner,
		DefaultModel: cfg.Provider.Model,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, orch, logger)
	server.SetChatStore(st.chats)
	server.SetMemory(facade)
	server.SetEventBus(bus)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := connwatch.New(connwatch.Schedule{
		PollInterval: cfg.Provider.HealthPoll,
		ProbeTimeout: cfg.Provider.Timeout,
	}, bus, logger)
	for _, p := range router.Pingers() {
		monitor.Watch(ctx, p)
	}
	defer monitor.Stop()
	server.SetBackendStatus(monitor)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		forwarder = mqtt.New(cfg.MQTT, instanceID, bus, logger)
		g.Go(func() error { return forwarder.Start(gctx) })
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if forwarder != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := forwarder.Stop(stopCtx); serr != nil {
			logger.Error("mqtt shutdown failed", "error", serr)
		}
		stopCancel()
	}

	if err != nil {
		return err
	}
	logger.Info("chatrelay stopped")
	return nil
}

// consoleSink prints a streamed reply as plain text.
type consoleSink struct {
	out    io.Writer
	errOut io.Writer
	wrote  bool
	err    error
}

func (c *consoleSink) SetupHeaders() error { return nil }

func (c *consoleSink) WriteChunk(delta string, _ llm.FinishReason) error {
	if delta == "" {
		return nil
	}
	c.wrote = true
	_, err := io.WriteString(c.out, delta)
	return err
}

func (c *consoleSink) WriteError(err error) error {
	c.err = err
	_, werr := fmt.Fprintf(c.errOut, "error: %v\n", err)
	return werr
}

func (c *consoleSink) End() error {
	if !c.wrote {
		return nil
	}
	_, err := fmt.Fprintln(c.out)
	return err
}

// runAsk handles "chatrelay ask <message>". It sends one user message
// through the same pipeline as the server, with the configured backend
// and the persistent memory store, and prints the reply to stdout.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := configuredLogger(stderr, cfg, slog.LevelWarn)
	defer closeLog()

	st, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	router, err := llm.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("language model: %w", err)
	}

	facade := memory.NewFacade(st.memory, st.memory, logger)
	orch := conversation.NewOrchestrator(logger, facade, conversation.NewBuilder(facade, logger), router, orchestratorOptions(cfg))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink := &consoleSink{out: stdout, errOut: stderr}
	out := orch.Handle(ctx, conversation.Request{
		Owner:    cfg.Owner,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: message}},
	}, sink)

	switch out.State {
	case conversation.StateFailed:
		return fmt.Errorf("ask: %w", sink.err)
	case conversation.StateAborted:
		return fmt.Errorf("ask: interrupted")
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg, writing to w
// and, when log_file.path is set, to a rotated file as well. fallback
// applies when cfg names no level. The returned func closes the file.
func configuredLogger(w io.Writer, cfg *config.Config, fallback slog.Level) (*slog.Logger, func()) {
	level := fallback
	if cfg.LogLevel != "" {
		// Validate has already rejected unknown levels.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	if cfg.LogFile.Path == "" {
		return newLogger(w, level, cfg.LogFormat), func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile.Path,
		MaxSize:    cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAge:     cfg.LogFile.MaxAgeDays,
		Compress:   cfg.LogFile.Compress,
	}
	return newLogger(io.MultiWriter(w, rotator), level, cfg.LogFormat), func() { rotator.Close() }
}

// loadConfig finds and loads the config file. An explicit path must
// exist; when discovery finds nothing, defaults plus environment
// overrides are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case err != nil && explicit != "":
		return nil, "", err
	case err != nil:
		cfg = config.Default()
		cfgPath = ""
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}
