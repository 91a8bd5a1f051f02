package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/kafka"
	"github.com/ramiqadoumi/genflow/internal/ledger"
	"github.com/ramiqadoumi/genflow/internal/orchestrator"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingDispatcher remembers ids instead of running them.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

var _ orchestrator.Dispatcher = (*recordingDispatcher)(nil)

func (d *recordingDispatcher) Name() string { return "recording" }

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

func (d *recordingDispatcher) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

// downLedger fails every call.
type downLedger struct{}

var _ ledger.Ledger = downLedger{}

var errLedgerDown = errors.New("dial tcp 10.0.0.5:5432: connection refused")

func (downLedger) Create(context.Context, *domain.Task) error { return errLedgerDown }
func (downLedger) Get(context.Context, string) (*domain.Task, error) {
	return nil, errLedgerDown
}
func (downLedger) Transition(context.Context, string, domain.Transition) (*domain.Task, error) {
	return nil, errLedgerDown
}
func (downLedger) ListByOwner(context.Context, string, int, int) ([]*domain.Task, error) {
	return nil, errLedgerDown
}
func (downLedger) ListStale(context.Context, time.Time, int) ([]*domain.Task, error) {
	return nil, errLedgerDown
}
func (downLedger) Ping(context.Context) error { return errLedgerDown }

// fakeProducer records published messages.
type fakeProducer struct {
	mu       sync.Mutex
	messages []published
	err      error
}

type published struct {
	topic, key string
	value      []byte
}

var _ kafka.Producer = (*fakeProducer)(nil)

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, published{topic: topic, key: key, value: value})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func staticExecutor(kind, result string, err error) orchestrator.Executor {
	return orchestrator.Func{TaskKind: kind, Fn: func(context.Context, *orchestrator.Run) (string, error) {
		return result, err
	}}
}
