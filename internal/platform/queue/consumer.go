// Package queue consumes pipeline callbacks from Kafka. Offsets are committed
// only after the handler succeeded or gave up on the message for good, so a
// crash replays the message instead of losing it.
package queue

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	kgo "github.com/segmentio/kafka-go"
)

const (
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultMaxRetryDelay = 30 * time.Second

	commitTimeout = 3 * time.Second
	fetchBackoff  = 500 * time.Millisecond
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Handler processes one message value. Returning an error marked with
// Permanent drops the message; any other error is retried.
type Handler func(ctx context.Context, value []byte) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// NewKafkaReader returns a group reader with manual commits.
func NewKafkaReader(brokers []string, topic, groupID string) *kgo.Reader {
	return kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
}

// Consumer feeds messages to a Handler one at a time.
type Consumer struct {
	reader        Reader
	handle        Handler
	logger        zerolog.Logger
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

func NewConsumer(reader Reader, handle Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:        reader,
		handle:        handle,
		logger:        logger.With().Str("component", "queue").Logger(),
		retryDelay:    DefaultRetryDelay,
		maxRetryDelay: DefaultMaxRetryDelay,
	}
}

// Run consumes until ctx is cancelled or the reader is closed. A message that
// is still failing when ctx ends is left uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Warn().Err(err).Msg("fetch failed")
			if !sleepCtx(ctx, fetchBackoff) {
				return nil
			}
			continue
		}

		log := c.logger.With().
			Str("topic", m.Topic).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Logger()

		if !c.process(ctx, log, m) {
			return nil
		}
		c.commit(ctx, log, m)
	}
}

// process reports whether m is done with, either handled or dropped.
func (c *Consumer) process(ctx context.Context, log zerolog.Logger, m kgo.Message) bool {
	err := retry.Do(
		func() error { return c.handle(ctx, m.Value) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(c.maxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return !IsPermanent(err) }),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("handler failed, retrying")
		}),
	)
	switch {
	case err == nil:
		return true
	case IsPermanent(err):
		log.Error().Err(err).Bytes("value", m.Value).Msg("dropping message")
		return true
	default:
		log.Warn().Err(err).Msg("stopped before the message was handled")
		return false
	}
}

func (c *Consumer) commit(ctx context.Context, log zerolog.Logger, m kgo.Message) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(cctx, m); err != nil {
		// The message will be delivered again after a rebalance.
		log.Error().Err(err).Msg("commit failed")
	}
}

// Close closes the underlying reader, which also ends Run.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
