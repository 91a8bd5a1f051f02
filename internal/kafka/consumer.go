package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/genflow/pkg/retry"
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. An error is retried in place; once the
// retries run out the message is skipped and its offset committed with the
// next success, so handlers must have another path to recover the work.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader   *kafka.Reader
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumer)

// WithHandlerRetry sets how many times a failing handler is called for one
// message and the base backoff between calls.
func WithHandlerRetry(attempts int, baseDelay time.Duration) ConsumerOption {
	return func(c *consumer) {
		c.attempts = attempts
		c.delay = baseDelay
	}
}

// NewConsumer creates a Kafka consumer for the given topic and consumer group.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10 MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	c := &consumer{reader: r, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe reads messages in a loop until ctx is cancelled.
// Offsets are committed after the handler returns nil (at-least-once delivery).
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		}
		msgCtx := Extract(ctx, m.Headers)

		err = retry.Do(msgCtx, retry.Config{
			MaxAttempts: c.attempts,
			BaseDelay:   c.delay,
			OnRetry: func(attempt int, err error) {
				c.logger.Warn("message handler failed, retrying",
					slog.String("topic", m.Topic),
					slog.Int64("offset", m.Offset),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			},
		}, func(ctx context.Context) error {
			return handler(ctx, msg)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil // shutting down mid-message; it is re-delivered on restart
			}
			c.logger.Error("message handler failed, skipping message",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
