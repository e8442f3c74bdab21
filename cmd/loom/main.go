package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/internal/audit"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/gateway"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/membership"
	otelPkg "github.com/loomworks/loom/internal/otel"
	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/runner"
	"github.com/loomworks/loom/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                     Start the loom server
  %s -version            Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LOOM_HOME               Data directory (default: ~/.loom)
  LOOM_BIND_ADDR          Listen address override
  LOOM_LOG_LEVEL          Log level override (debug, info, warn, error)
  OPENAI_API_KEY          API key for the completion endpoint
  OPENAI_BASE_URL         OpenAI-compatible endpoint override
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("loom", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin chat connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	// Runs interrupted by a previous crash stay in their last persisted
	// state; there is no mid-run checkpointing, so mark them failed.
	if n, err := store.FailInterruptedRuns(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	} else if n > 0 {
		logger.Info("startup phase", "phase", "recovery_scan_completed", "failed_runs", n)
	}

	var completer llm.Completer = llm.Unconfigured{}
	client, err := llm.NewOpenAIClient(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		time.Duration(cfg.LLM.RequestTimeoutSeconds)*time.Second,
		logger,
	)
	if err != nil {
		logger.Warn("llm client unavailable; runs that need completions will fail", "error", err)
	} else {
		completer = client
	}

	runs := runner.New(store, eventBus, completer, otelProvider.Tracer, runner.Options{
		DataDir:             cfg.DataDir,
		RunTimeout:          time.Duration(cfg.Pipeline.RunTimeoutSeconds) * time.Second,
		DefaultModel:        cfg.LLM.DefaultModel,
		MaxCriticIterations: cfg.Pipeline.MaxCriticIterations,
		Metrics:             metrics,
	}, logger)
	defer runs.Shutdown()

	docSaves := eventBus.Subscribe(bus.TopicDocumentSaved)
	defer eventBus.Unsubscribe(docSaves)
	go func() {
		for ev := range docSaves.Ch() {
			saved, ok := ev.Payload.(bus.DocumentSavedEvent)
			if !ok {
				continue
			}
			metrics.DocumentsSaved.Add(context.Background(), 1,
				metric.WithAttributes(otelPkg.AttrDocumentName.String(saved.Name)))
		}
	}()

	gw := gateway.New(gateway.Config{
		Auth:       auth.NewService(store, logger),
		Membership: membership.NewService(store, eventBus, logger),
		Runner:     runs,
		Store:      store,
		Gateway:    cfg.Gateway,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		Log:        logger,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if client != nil {
				client.UpdateCredentials(newCfg.LLM.APIKey, newCfg.LLM.BaseURL)
			}
			logger.Info("config.yaml hot-reloaded")
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	runs.Shutdown()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.startup", audit.OutcomeError, "", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","run_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
