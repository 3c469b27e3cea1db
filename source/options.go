package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/baldanca/eda-ingestor/metrics"
)

// Option customizes a source at construction.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	sqsClient     sqsAPI
	journalReader JournalReader
	kafkaGroup    consumerGroup
}

func newOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used by the source. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSQSClient injects the SQS client instead of building one from the
// connection arguments.
func WithSQSClient(c sqsAPI) Option {
	return func(o *options) { o.sqsClient = c }
}

// WithJournalReader injects the journal reader instead of building one from
// the configured backend.
func WithJournalReader(r JournalReader) Option {
	return func(o *options) { o.journalReader = r }
}

// WithKafkaConsumerGroup injects the consumer group instead of dialing the brokers.
func WithKafkaConsumerGroup(g consumerGroup) Option {
	return func(o *options) { o.kafkaGroup = g }
}

// WithSleep replaces the pacing sleep. Used by tests to observe delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
