package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/genflow/internal/kafka"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	"github.com/ramiqadoumi/genflow/internal/platform"
	"github.com/ramiqadoumi/genflow/internal/ratelimit"
	"github.com/ramiqadoumi/genflow/internal/reaper"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
	"github.com/ramiqadoumi/genflow/services/api-gateway/config"
	"github.com/ramiqadoumi/genflow/services/api-gateway/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("trace-sample-ratio", 1, "fraction of new traces to sample")

	f.String("ledger-driver", platform.LedgerPostgres, "task ledger: postgres | sqlite | memory")
	f.String("sqlite-path", "genflow.db", "SQLite database file for --ledger-driver=sqlite")
	f.String("quota-backend", platform.QuotaRedis, "quota store: redis | postgres | failover | memory")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")

	f.String("dispatch-mode", "pool", "pool runs executors in-process, kafka hands task ids to workers")
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("dispatch-topic", orchestrator.DispatchTopic, "Kafka topic for dispatched task ids")
	f.Int("pool-workers", 8, "in-process executor goroutines")
	f.Int("pool-queue", 256, "in-process dispatch queue size")

	f.Duration("soft-deadline", 4*time.Minute, "execution budget executors plan against")
	f.Duration("hard-timeout", 5*time.Minute, "execution context timeout")
	f.String("backend-url", "http://localhost:8000", "generation backend base URL")
	f.String("backend-token", "", "generation backend bearer token")
	f.Duration("backend-timeout", 2*time.Minute, "per-request generation backend timeout")
	f.String("blob-dir", "./blobs", "artifact storage directory")
	f.Duration("yield-margin", 30*time.Second, "remaining budget below which executors yield")

	f.Bool("embed-reaper", false, "run the stalled-task reaper inside the gateway")

	for key, flag := range map[string]string{
		"http_port":          "http-port",
		"metrics_addr":       "metrics-addr",
		"otel_endpoint":      "otel-endpoint",
		"trace_sample_ratio": "trace-sample-ratio",
		"ledger_driver":      "ledger-driver",
		"sqlite_path":        "sqlite-path",
		"quota_backend":      "quota-backend",
		"redis_addr":         "redis-addr",
		"dispatch_mode":      "dispatch-mode",
		"kafka_brokers":      "kafka-brokers",
		"dispatch_topic":     "dispatch-topic",
		"pool_workers":       "pool-workers",
		"pool_queue":         "pool-queue",
		"soft_deadline":      "soft-deadline",
		"hard_timeout":       "hard-timeout",
		"backend_url":        "backend-url",
		"backend_token":      "backend-token",
		"backend_timeout":    "backend-timeout",
		"blob_dir":           "blob-dir",
		"yield_margin":       "yield-margin",
		"reaper.enabled":     "embed-reaper",
	} {
		bindFlag(key, f, flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	viper.SetDefault("reaper.schedule", reaper.DefaultSchedule)
	viper.SetDefault("reaper.staleness", 10*time.Minute)
	viper.SetDefault("reaper.max_attempts", 3)
	viper.SetDefault("reaper.batch_size", 100)
	viper.SetDefault("reaper.leader_ttl", time.Minute)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, "api-gateway")

	shutdownTracer, err := telemetry.InitTracerWithRatio(context.Background(), "api-gateway", cfg.OTelEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	res, err := platform.Open(ctx, platform.Options{
		LedgerDriver: cfg.LedgerDriver,
		PostgresDSN:  cfg.PostgresDSN,
		SQLitePath:   cfg.SQLitePath,
		QuotaBackend: cfg.QuotaBackend,
		RedisAddr:    cfg.RedisAddr,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer res.Close()
	if res.Quota == nil {
		return errors.New("api-gateway needs a quota backend")
	}

	registry, err := res.NewRegistry(platform.ExecutorOptions{
		BackendURL:     cfg.BackendURL,
		BackendToken:   cfg.BackendToken,
		BackendTimeout: cfg.BackendTimeout,
		BlobDir:        cfg.BlobDir,
		YieldMargin:    cfg.YieldMargin,
	}, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(res.Ledger, registry,
		orchestrator.WithSoftDeadline(cfg.SoftDeadline),
		orchestrator.WithHardTimeout(cfg.HardTimeout),
		orchestrator.WithLogger(logger),
	)

	var pool *orchestrator.Pool
	switch cfg.DispatchMode {
	case "kafka":
		producer := kafka.NewProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()
		orch.SetDispatcher(orchestrator.NewKafkaDispatcher(producer, cfg.DispatchTopic))
	default:
		pool = orchestrator.NewPool(orch.Execute, cfg.PoolWorkers, cfg.PoolQueue, logger)
		orch.SetDispatcher(pool)
	}

	limiter := ratelimit.NewLimiter(res.Quota, ratelimit.WithLogger(logger))
	guard, err := ratelimit.NewGuard(limiter, ratelimit.DefaultResolver(), cfg.Policies(), logger)
	if err != nil {
		return fmt.Errorf("rate limits: %w", err)
	}

	var rp *reaper.Reaper
	if cfg.Reaper.Enabled {
		rp, err = res.NewReaper(orch, platform.ReaperOptions{
			Config: reaper.Config{
				Staleness:   cfg.Reaper.Staleness,
				MaxAttempts: cfg.Reaper.MaxAttempts,
				BatchSize:   cfg.Reaper.BatchSize,
				Schedule:    cfg.Reaper.Schedule,
			},
			LeaderTTL: cfg.Reaper.LeaderTTL,
		}, logger)
		if err != nil {
			return err
		}
	}

	rest := handler.NewREST(orch, guard, res.Ready, logger)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(rest, guard, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	telemetry.StartMetricsServer(gctx, cfg.MetricsAddr, logger, res.Ready)

	g.Go(func() error {
		logger.Info("api-gateway HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("dispatch_mode", cfg.DispatchMode),
			slog.String("ledger", cfg.LedgerDriver),
			slog.String("quota", cfg.QuotaBackend),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if rp != nil {
		g.Go(func() error { return rp.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
		}
		if pool != nil {
			if err := pool.Stop(shutCtx); err != nil {
				logger.Warn("executor pool did not drain", slog.String("error", err.Error()))
			}
		}
		orch.Wait()
		return nil
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}
