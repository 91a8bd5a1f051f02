package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/genflow/internal/kafka"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	"github.com/ramiqadoumi/genflow/internal/platform"
	"github.com/ramiqadoumi/genflow/internal/reaper"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
	"github.com/ramiqadoumi/genflow/services/reaper/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sweeps on a schedule until stopped",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep and exit",
	Long: `Run one sweep outside the schedule, for example from a cron job or
while recovering from an outage. The leader lease is not taken.`,
	RunE: runSweep,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9093", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("schedule", reaper.DefaultSchedule, "cron spec for sweeps")
	serveCmd.Flags().Bool("purge-quota", false, "purge expired Postgres quota counters")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("schedule", serveCmd.Flags(), "schedule")
	bindFlag("purge_quota", serveCmd.Flags(), "purge-quota")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// setup opens the ledger and builds a reaper whose resubmissions go to the
// dispatch topic.
func setup(ctx context.Context, cfg config.Config, logger *slog.Logger) (*reaper.Reaper, func(), error) {
	opts := platform.Options{
		LedgerDriver: cfg.LedgerDriver,
		PostgresDSN:  cfg.PostgresDSN,
		SQLitePath:   cfg.SQLitePath,
		RedisAddr:    cfg.RedisAddr,
		UseRedis:     cfg.RedisAddr != "",
		Logger:       logger,
	}
	if cfg.PurgeQuota {
		opts.QuotaBackend = platform.QuotaPostgres
	}
	res, err := platform.Open(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	cleanup := func() {
		_ = producer.Close()
		res.Close()
	}

	// The reaper only re-dispatches, so no executors are registered.
	orch := orchestrator.New(res.Ledger, orchestrator.NewRegistry(),
		orchestrator.WithLogger(logger),
		orchestrator.WithDispatcher(orchestrator.NewKafkaDispatcher(producer, cfg.DispatchTopic)),
	)

	rp, err := res.NewReaper(orch, platform.ReaperOptions{
		Config: reaper.Config{
			Staleness:   cfg.Staleness,
			MaxAttempts: cfg.MaxAttempts,
			BatchSize:   cfg.BatchSize,
			Schedule:    cfg.Schedule,
		},
		LeaderTTL: cfg.LeaderTTL,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return rp, cleanup, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "reaper")

	shutdownTracer, err := telemetry.InitTracerWithRatio(context.Background(), "reaper", cfg.OTelEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rp, cleanup, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, nil)

	logger.Info("reaper starting",
		slog.String("schedule", cfg.Schedule),
		slog.Duration("staleness", cfg.Staleness),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)
	if err := rp.Run(ctx); err != nil {
		return fmt.Errorf("reaper: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func runSweep(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "reaper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rp, cleanup, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := rp.Sweep(ctx)
	fmt.Printf("%d stalled tasks handled\n", n)
	return err
}
