package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/hooks/listeners"
	"github.com/INLOpen/nexusdoc/server"
	"github.com/INLOpen/nexusdoc/sys"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates an OpenTelemetry TracerProvider exporting over OTLP.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusdoc")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// registerListeners wires the built-in listeners selected in the hooks section.
func registerListeners(hm hooks.HookManager, cfg config.HooksConfig, logger *slog.Logger) {
	if cfg.WriteAmplification {
		hm.Register(hooks.EventPostCompaction, listeners.NewWriteAmplificationListener(logger))
		logger.Info("Registered WriteAmplificationListener for PostCompaction events.")
	}
	if cfg.UniqueAlerts {
		hm.Register(hooks.EventPostUniqueViolation, listeners.NewUniqueViolationAlerter(logger))
		logger.Info("Registered UniqueViolationAlerter for PostUniqueViolation events.")
	}
	if len(cfg.FieldRanges) > 0 {
		rules := make([]listeners.FieldRangeRule, 0, len(cfg.FieldRanges))
		for _, fr := range cfg.FieldRanges {
			rules = append(rules, listeners.FieldRangeRule{
				Collection: fr.Collection,
				Field:      fr.Field,
				Thresholds: listeners.Thresholds{Min: fr.Min, Max: fr.Max},
				Reject:     fr.Reject,
			})
		}
		hm.Register(hooks.EventPreWrite, listeners.NewFieldRangeListener(logger, rules))
		logger.Info("Registered FieldRangeListener for PreWrite events.", "rules", len(rules))
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.Engine.DataDir == "" {
		logger.Error("Engine data_dir must be specified in the configuration file.")
		os.Exit(1)
	}
	logger.Info("Using data directory", "path", cfg.Engine.DataDir)

	if strings.EqualFold(cfg.Logging.Level, "debug") {
		// tracks open file handles so leaks show up in debug logs
		sys.SetDebugLogger(logger)
		sys.SetDebugMode(true)
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	opts, err := engine.OptionsFromConfig(cfg, logger)
	if err != nil {
		logger.Error("Invalid engine configuration", "error", err)
		os.Exit(1)
	}
	opts.TracerProvider = tp

	// Listeners are registered before Open so recovery and cache warming fire them.
	hookManager := hooks.NewHookManager(logger.With("component", "HookManager"))
	registerListeners(hookManager, cfg.Hooks, logger)
	opts.HookManager = hookManager

	db, err := engine.Open(opts)
	if err != nil {
		logger.Error("Failed to open engine", "error", err)
		os.Exit(1)
	}

	systemCollector := server.NewSystemCollector(cfg.Engine.MetricsPrefix, 2*time.Second, logger)
	systemCollector.Start()

	var debugSrv *server.DebugServer
	serverErrChan := make(chan error, 1)
	if cfg.Debug.Enabled {
		debugSrv = server.NewDebugServer(&cfg.Debug, db, logger)
		go func() {
			serverErrChan <- debugSrv.Start()
		}()
	}

	logger.Info("Application running. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrChan:
		logger.Error("Debug server exited", "error", err)
	case <-quit:
		logger.Info("Shutdown signal received. Stopping...")
	}

	if debugSrv != nil {
		debugSrv.Stop()
	}
	systemCollector.Stop()
	if err := db.Close(); err != nil {
		logger.Error("Engine close failed", "error", err)
	}
	logger.Info("Application exited gracefully.")
}
