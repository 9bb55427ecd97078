// OpenTutor is a conversational language-tutoring daemon.
//
// It bridges a WhatsApp gateway to a local Ollama backend, drives each
// learner through a small tutoring state machine, and persists all
// learner state in SQLite. An HTTP endpoint exposes health and
// Prometheus metrics; an optional MQTT publisher surfaces activity as
// Home Assistant sensors. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	opentutor serve             Start the tutor daemon
//	opentutor ask <message>     Run a single turn (for testing)
//	opentutor version           Print version and build information
//	opentutor -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opentutor/opentutor/internal/admission"
	"github.com/opentutor/opentutor/internal/buildinfo"
	"github.com/opentutor/opentutor/internal/commands"
	"github.com/opentutor/opentutor/internal/config"
	"github.com/opentutor/opentutor/internal/events"
	"github.com/opentutor/opentutor/internal/llm"
	"github.com/opentutor/opentutor/internal/mqtt"
	"github.com/opentutor/opentutor/internal/observability"
	"github.com/opentutor/opentutor/internal/store"
	"github.com/opentutor/opentutor/internal/tutor"
	"github.com/opentutor/opentutor/internal/whatsapp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the opentutor command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output.
//   - args is os.Args[1:].
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals (flag.CommandLine), which makes it impossible
// to call run() concurrently from tests; the argument surface is small
// enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: opentutor ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
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
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "OpenTutor - Conversational Language Tutor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: opentutor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the tutor daemon")
	fmt.Fprintln(w, "  ask          Run a single turn (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/opentutor/config.yaml, /etc/opentutor/config.yaml")
	return nil
}

// runAsk handles the "opentutor ask <message>" subcommand. It boots a
// minimal engine against the configured store under the fixed learner
// ID "cli-test" and processes a single turn, printing the reply to
// stdout. Useful for smoke tests without a gateway.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.NewStore(cfg.DBPath, store.Options{Defaults: settingsFromConfig(cfg)})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.EnsureLearner("cli-test", "CLI"); err != nil {
		return fmt.Errorf("ensure learner: %w", err)
	}

	client := llm.NewOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.Model,
		time.Duration(cfg.Ollama.TimeoutSec)*time.Second)

	engine := tutor.NewEngine(tutor.Options{
		Store:                 st,
		LLM:                   client,
		Logger:                logger,
		SummaryEveryNMessages: cfg.Tutor.SummaryEveryNMessages,
		MaxHistoryMessages:    cfg.Tutor.MaxHistoryMessages,
		MaxReplyChars:         cfg.Tutor.MaxReplyChars,
		MaxReplyTokens:        cfg.Tutor.MaxReplyTokens,
	})

	turn, err := engine.HandleTurn(ctx, "cli-test", message, store.SourceText)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, turn.Reply)
	return nil
}

// runServe handles the "opentutor serve" subcommand. It is the primary
// operating mode: loads config, opens the store, connects to the
// WhatsApp gateway and the Ollama backend, starts the metrics server
// and optional MQTT publisher, and blocks until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	// SIGINT/SIGTERM cancel the context shared by every component, so
	// a single signal unwinds the bridge, publishers, and server.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting OpenTutor",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Ollama.Model,
		"ollama_url", cfg.Ollama.BaseURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Learner store ---
	st, err := store.NewStore(cfg.DBPath, store.Options{Defaults: settingsFromConfig(cfg)})
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	defer st.Close()
	logger.Info("learner database opened", "path", cfg.DBPath)

	// --- Generation backend ---
	llmClient := llm.NewOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.Model,
		time.Duration(cfg.Ollama.TimeoutSec)*time.Second)
	{
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := llmClient.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("ollama unreachable, will retry on first turn",
				"url", cfg.Ollama.BaseURL, "error", err)
		} else {
			logger.Info("ollama reachable", "url", cfg.Ollama.BaseURL, "model", cfg.Ollama.Model)
		}
	}

	// --- Event bus and metrics ---
	bus := events.New()
	metrics := observability.NewMetrics("opentutor")
	go metrics.Collect(ctx, bus)

	// --- Turn engine ---
	engine := tutor.NewEngine(tutor.Options{
		Store:                 st,
		LLM:                   llmClient,
		Logger:                logger,
		Bus:                   bus,
		SummaryEveryNMessages: cfg.Tutor.SummaryEveryNMessages,
		MaxHistoryMessages:    cfg.Tutor.MaxHistoryMessages,
		MaxReplyChars:         cfg.Tutor.MaxReplyChars,
		MaxReplyTokens:        cfg.Tutor.MaxReplyTokens,
	})

	// --- Admission control ---
	limiter := admission.NewRateLimiter(admission.RateLimiterConfig{
		Window:          time.Duration(cfg.Limits.RateWindowSec) * time.Second,
		MaxMessages:     cfg.Limits.MaxMessagesPerWindow,
		MinReplySpacing: time.Duration(cfg.Limits.MinSecondsBetweenReplies) * time.Second,
	})
	loopGuard := admission.NewLoopGuard(admission.LoopGuardConfig{
		MaxRepeat: cfg.Limits.LoopMaxRepeat,
		TTL:       time.Duration(cfg.Limits.LoopTTLSec) * time.Second,
	})

	// --- WhatsApp bridge ---
	if cfg.WhatsApp.Enabled {
		go runWhatsApp(ctx, cfg, whatsapp.BridgeConfig{
			Engine:      engine,
			Commands:    commands.NewHandler(st),
			Store:       st,
			Limiter:     limiter,
			LoopGuard:   loopGuard,
			Bus:         bus,
			Logger:      logger,
			AllowGroups: cfg.WhatsApp.AllowGroups,
		}, logger)
	} else {
		logger.Info("whatsapp bridge disabled (not configured)")
	}

	// --- MQTT status publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}

		activity := mqtt.NewDailyActivity(nil)
		go activity.Track(ctx, bus)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, activity, runtimeStats{model: cfg.Ollama.Model}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- HTTP server: metrics and health ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := llmClient.Ping(pingCtx); err != nil {
			http.Error(w, "ollama unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(buildinfo.Info())
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler: mux,
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	logger.Info("http server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("OpenTutor stopped")
	return nil
}

// runWhatsApp keeps a gateway session alive for the life of ctx. Each
// iteration dials the gateway, runs the bridge until the connection
// drops, and reconnects with capped exponential backoff. A successful
// session resets the backoff.
func runWhatsApp(ctx context.Context, cfg *config.Config, bridgeCfg whatsapp.BridgeConfig, logger *slog.Logger) {
	const (
		minBackoff = time.Second
		maxBackoff = time.Minute
	)

	backoff := minBackoff
	for {
		gateway := whatsapp.NewClient(cfg.WhatsApp.GatewayURL, cfg.WhatsApp.Token, logger)

		connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := gateway.Connect(connCtx)
		cancel()

		if err == nil {
			backoff = minBackoff
			bridgeCfg.Transport = gateway
			whatsapp.NewBridge(bridgeCfg).Start(ctx)
			gateway.Close()
		} else {
			logger.Warn("WhatsApp gateway unreachable",
				"url", cfg.WhatsApp.GatewayURL, "retry_in", backoff, "error", err)
		}

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runtimeStats adapts process-level data to the MQTT StatsSource
// interface without coupling the mqtt package to this binary.
type runtimeStats struct {
	model string
}

func (s runtimeStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s runtimeStats) Version() string       { return buildinfo.Version }
func (s runtimeStats) Model() string         { return s.model }

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
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

// settingsFromConfig maps the YAML defaults block onto learner
// settings applied at first contact.
func settingsFromConfig(cfg *config.Config) *store.Settings {
	s := store.DefaultSettings
	if cfg.Defaults.TargetLanguage != "" {
		s.TargetLanguage = cfg.Defaults.TargetLanguage
	}
	s.Mode = store.NormalizeMode(cfg.Defaults.Mode)
	s.Corrections = store.NormalizeCorrections(cfg.Defaults.Corrections)
	s.VoiceEnabled = cfg.Defaults.VoiceEnabled
	s.SendTextWithVoice = cfg.Defaults.SendTextWithVoice
	s.AllowGroups = cfg.WhatsApp.AllowGroups
	return &s
}
