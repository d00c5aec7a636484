package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/internal/telemetry"
	"github.com/roadsight/blurpipe/pkg/api"
	"github.com/roadsight/blurpipe/pkg/blob/s3"
	"github.com/roadsight/blurpipe/pkg/config"
	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/metrics"
	"github.com/roadsight/blurpipe/pkg/model"
	"github.com/roadsight/blurpipe/pkg/pipeline"
	"github.com/roadsight/blurpipe/pkg/queue/sqlqueue"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the blurpipe service",
	Long: `Start the blurpipe service with the specified configuration.

The process runs the HTTP API and the worker pool together. It connects to
the metadata database, the S3 blob store, and the durable work queue, waits
for all of them to become ready, and then starts accepting uploads.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/blurpipe/config.yaml.

Examples:
  # Start with default config
  blurpipe start

  # Start with custom config file
  blurpipe start --config /etc/blurpipe/config.yaml

  # Start with environment variable overrides
  BLURPIPE_LOGGING_LEVEL=DEBUG blurpipe start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "blurpipe",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       true,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.ProfilingEnabled,
		ServiceName:    "blurpipe",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.ProfilingEndpoint,
		ProfileTypes:   []string{"cpu", "inuse_space", "goroutines"},
		Tags: map[string]string{
			"component": "pipeline",
			"database":  cfg.Database.Type,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("Configuration loaded",
		"log_level", cfg.Logging.Level,
		"database", cfg.Database.Type,
		"bucket", cfg.Blob.Bucket,
		"workers", cfg.Workers.Num,
	)
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.ProfilingEndpoint)
	}

	// Prometheus metrics (if enabled)
	var prom *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		prom = metrics.New()
	}

	// Metadata store. PostgreSQL schemas are managed by versioned
	// migrations; apply them before opening the pool.
	if cfg.Database.Type == "postgres" {
		if err := metadata.MigratePostgres(cfg.Database.URL); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	store, err := metadata.NewGormStore(cfg.Database.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Work queue shares the metadata database.
	jobs, err := sqlqueue.New(store.DB(), sqlqueue.Config{
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxSize:           cfg.Queue.MaxSize,
	})
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}

	// Blob store
	blobs, err := s3.New(ctx, s3.Config{
		Bucket:          cfg.Blob.Bucket,
		Region:          cfg.Blob.Region,
		Endpoint:        cfg.Blob.Endpoint,
		AccessKeyID:     cfg.Blob.AccessKey,
		SecretAccessKey: cfg.Blob.SecretKey,
		ForcePathStyle:  cfg.Blob.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}
	defer func() { _ = blobs.Close() }()

	// Detection models load lazily on first use.
	models := model.NewManager(model.PassthroughLoader(), model.Config{
		VehicleConfidenceThreshold: cfg.Detection.VehicleConfidence,
		FaceConfidenceThreshold:    cfg.Detection.FaceConfidence,
	})

	p := pipeline.New(models, store, blobs, jobs, pipeline.Options{
		NumWorkers:     cfg.Workers.Num,
		PollInterval:   cfg.Workers.PollInterval,
		MaxAttempts:    cfg.Workers.MaxAttempts,
		ProcessTimeout: cfg.Workers.Timeout,
		InlineMaxBytes: cfg.Queue.InlinePayloadMaxBytes,
		Metrics:        prom,
	})

	// Abort startup if any dependency stays unreachable.
	if err := p.WaitReady(ctx, 5); err != nil {
		return fmt.Errorf("dependencies not ready: %w", err)
	}

	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	server := api.NewServer(api.ServerConfig{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, p, prom)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Service is running. Press Ctrl+C to stop.", "addr", server.Addr())

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		runErr = <-serverDone
	case runErr = <-serverDone:
		signal.Stop(sigChan)
		if runErr != nil {
			logger.Error("API server error", logger.Err(runErr))
		}
	}

	// Drain in-flight jobs before exiting.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := p.Stop(drainCtx); err != nil {
		logger.Error("worker pool shutdown error", logger.Err(err))
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("Service stopped gracefully")
	return nil
}
