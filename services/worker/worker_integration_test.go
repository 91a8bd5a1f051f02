//go:build integration

package worker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/kafka"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	"github.com/ramiqadoumi/genflow/internal/postgres"
	"github.com/ramiqadoumi/genflow/internal/reaper"
)

var (
	testPool    *pgxpool.Pool
	testBrokers []string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("genflow"),
		tcPostgres.WithUsername("genflow"),
		tcPostgres.WithPassword("genflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	dsn, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("postgres pool: %v", err)
	}
	defer testPool.Close()
	if err := postgres.Migrate(ctx, testPool, nil); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// ── Kafka ────────────────────────────────────────────────────────────────
	kafkaCtr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer kafkaCtr.Terminate(ctx) //nolint:errcheck

	testBrokers, err = kafkaCtr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	return m.Run()
}

func createTopic(t *testing.T) string {
	t.Helper()
	topic := "e2e-dispatch-" + time.Now().Format("150405.000000")
	conn, err := kafkago.DialContext(context.Background(), "tcp", testBrokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
	return topic
}

func waitForStatus(t *testing.T, l *postgres.Ledger, id string, want domain.Status) *domain.Task {
	t.Helper()
	var task *domain.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = l.Get(context.Background(), id)
		return err == nil && task.Status == want
	}, 30*time.Second, 100*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

// TestE2E_YieldThenReap drives one task through every role against real
// infrastructure: submit and dispatch over Kafka, a worker execution that
// yields, a reaper sweep that requeues, and a second execution that completes.
func TestE2E_YieldThenReap(t *testing.T) {
	ctx := context.Background()
	topic := createTopic(t)
	l := postgres.NewLedger(testPool)

	producer := kafka.NewProducer(testBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck
	dispatcher := orchestrator.NewKafkaDispatcher(producer, topic)

	var calls atomic.Int32
	exec := orchestrator.Func{TaskKind: "generation", Fn: func(_ context.Context, run *orchestrator.Run) (string, error) {
		if calls.Add(1) == 1 {
			return "", orchestrator.ErrYield
		}
		return "blob://" + run.TaskID() + "/generation.png", nil
	}}
	orch := orchestrator.New(l, orchestrator.NewRegistry(exec),
		orchestrator.WithDispatcher(dispatcher),
		orchestrator.WithLogger(discardLogger),
	)

	consumer := kafka.NewConsumer(testBrokers, topic, "e2e-"+topic, discardLogger)
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = NewWorker("e2e", consumer, orch, WithLogger(discardLogger)).Run(runCtx) }()

	task, err := orch.Submit(ctx, "user-1", "generation", json.RawMessage(`{"prompt":"fox"}`))
	require.NoError(t, err)

	// First execution yields and leaves the task processing.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 30*time.Second, 50*time.Millisecond)
	stalled := waitForStatus(t, l, task.ID, domain.StatusProcessing)
	assert.Equal(t, 0, stalled.AttemptCount)

	// A sweep from an hour later sees the task as stalled and resubmits it.
	rp, err := reaper.New(l, orch, reaper.Config{Staleness: 10 * time.Minute, MaxAttempts: 3},
		reaper.WithLogger(discardLogger),
		reaper.WithClock(func() time.Time { return time.Now().Add(time.Hour) }),
	)
	require.NoError(t, err)
	n, err := rp.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	done := waitForStatus(t, l, task.ID, domain.StatusCompleted)
	assert.Equal(t, 1, done.AttemptCount)
	assert.Equal(t, "blob://"+task.ID+"/generation.png", done.Result)
	assert.Equal(t, int32(2), calls.Load())
}
