// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON. The consumer
// delivers each message to a pluggable MessageHandler with at-least-once
// semantics: a failing message is retried up to a bounded attempt count and
// then diverted to a dead-letter topic for manual inspection.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tutorverse/ingest-platform/pkg/config"
)

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// DeadLetterSink receives messages that exhausted their delivery attempts.
type DeadLetterSink interface {
	PublishRaw(ctx context.Context, key, value []byte, headers map[string]string) error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler. Failed messages are retried maxAttempts times with a fixed
// delay between attempts before being dead-lettered and committed.
type Consumer struct {
	reader      *kafka.Reader
	logger      *slog.Logger
	handler     MessageHandler
	deadLetter  DeadLetterSink
	maxAttempts int
	retryDelay  time.Duration
}

// NewConsumer creates a Consumer for the given topic and handler. deadLetter
// may be nil, in which case exhausted messages are dropped after logging.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, deadLetter DeadLetterSink, maxAttempts int, retryDelay time.Duration) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	return &Consumer{
		reader:      r,
		logger:      slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:     handler,
		deadLetter:  deadLetter,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. A message is committed once it has either been handled
// successfully or handed to the dead-letter sink; a message whose dead-letter
// publish fails is left uncommitted so the group redelivers it.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "max_attempts", c.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)

		if err := c.Dispatch(ctx, msg.Key, msg.Value); err != nil {
			c.logger.Error("message exhausted delivery attempts",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"key", string(msg.Key),
				"error", err,
			)
			if !c.divert(ctx, msg.Key, msg.Value, err) {
				// Leave uncommitted; the group will redeliver.
				continue
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// Dispatch runs the handler for one message, retrying up to maxAttempts with
// the configured delay. It returns the last handler error once attempts are
// exhausted.
func (c *Consumer) Dispatch(ctx context.Context, key, value []byte) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.handler(ctx, key, value)
		if lastErr == nil {
			if attempt > 1 {
				c.logger.Info("message handled after retry",
					"key", string(key),
					"attempt", attempt,
				)
			}
			return nil
		}
		if attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("message handling failed, retrying",
			"key", string(key),
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"error", lastErr,
		)
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return fmt.Errorf("dispatch aborted: %w", ctx.Err())
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", c.maxAttempts, lastErr)
}

// divert hands an exhausted message to the dead-letter sink. It reports
// whether the message can be committed.
func (c *Consumer) divert(ctx context.Context, key, value []byte, cause error) bool {
	if c.deadLetter == nil {
		c.logger.Warn("no dead-letter sink configured, dropping message", "key", string(key))
		return true
	}
	headers := map[string]string{
		"attempts":      strconv.Itoa(c.maxAttempts),
		"last-error":    cause.Error(),
		"failed-at":     time.Now().UTC().Format(time.RFC3339),
		"source-reader": c.reader.Config().Topic,
	}
	if err := c.deadLetter.PublishRaw(ctx, key, value, headers); err != nil {
		c.logger.Error("failed to publish to dead-letter topic",
			"key", string(key),
			"error", err,
		)
		return false
	}
	c.logger.Info("message dead-lettered", "key", string(key))
	return true
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
