package source

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/baldanca/eda-ingestor/event"
)

// SourceSQSConfig configures the SQS queue poller.
type SourceSQSConfig struct {
	// Name of the queue, resolved to its URL at startup. Required.
	Name string `mapstructure:"name"`

	// DelaySeconds is the long-poll wait. 0 disables long polling.
	DelaySeconds int32 `mapstructure:"delay_seconds"`

	MaxMessages       int32 `mapstructure:"max_messages"`
	VisibilityTimeout int32 `mapstructure:"visibility_timeout"` // 0 keeps the queue default

	// PollInterval (seconds) paces empty polls when long polling is disabled.
	PollInterval float64 `mapstructure:"poll_interval"`

	// AckTimeout (seconds) bounds each delete, which runs detached from cancellation.
	AckTimeout float64 `mapstructure:"ack_timeout"`

	ConnectionArgs `mapstructure:",squash"`
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	DelaySeconds: 2,
	MaxMessages:  1,
	PollInterval: 1,
	AckTimeout:   10,
}

func (c SourceSQSConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return configErr(TypeSQS, "name", "missing queue name")
	}
	if c.DelaySeconds < 0 || c.DelaySeconds > 20 {
		return configErr(TypeSQS, "delay_seconds", "must be between 0 and 20, got %d", c.DelaySeconds)
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		return configErr(TypeSQS, "max_messages", "must be between 1 and 10, got %d", c.MaxMessages)
	}
	if c.VisibilityTimeout < 0 || c.VisibilityTimeout > 43200 {
		return configErr(TypeSQS, "visibility_timeout", "must be between 0 and 43200, got %d", c.VisibilityTimeout)
	}
	if c.PollInterval < 0 {
		return configErr(TypeSQS, "poll_interval", "must be non-negative")
	}
	if c.AckTimeout <= 0 {
		return configErr(TypeSQS, "ack_timeout", "must be positive")
	}
	return nil
}

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SourceSQS long-polls a named SQS queue and pushes one envelope per message.
//
// Delivery is at-least-once: a message is deleted only after its envelope was
// pushed. If the process stops between the push and the delete, the message is
// redelivered after its visibility timeout and consumers see a duplicate with
// the same MessageId.
type SourceSQS struct {
	cfg  SourceSQSConfig
	opts options
	log  *zap.Logger
}

// NewSourceSQS validates cfg. No I/O happens until Run.
func NewSourceSQS(cfg SourceSQSConfig, opts ...Option) (*SourceSQS, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return &SourceSQS{
		cfg:  cfg,
		opts: o,
		log:  o.logger.With(zap.String("queue", cfg.Name)),
	}, nil
}

func (s *SourceSQS) Run(ctx context.Context, q Queue) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	queueURL, err := s.resolveQueueURL(ctx, client)
	if err != nil {
		return err
	}
	s.log.Info("polling sqs queue", zap.String("url", queueURL), zap.Int32("wait_seconds", s.cfg.DelaySeconds))

	in := sqs.ReceiveMessageInput{
		QueueUrl:            &queueURL,
		MaxNumberOfMessages: s.cfg.MaxMessages,
		WaitTimeSeconds:     s.cfg.DelaySeconds,
		VisibilityTimeout:   s.cfg.VisibilityTimeout,
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.DelaySeconds+5)*time.Second)
		out, err := client.ReceiveMessage(reqCtx, &in)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("receive from queue %s: %w", s.cfg.Name, err)
		}

		if len(out.Messages) == 0 {
			s.log.Debug("no messages in queue")
			if s.cfg.DelaySeconds == 0 {
				if err := s.opts.sleep(ctx, secondsToDuration(s.cfg.PollInterval)); err != nil {
					return err
				}
			}
			continue
		}

		if err := s.deliver(ctx, client, queueURL, q, out.Messages); err != nil {
			return err
		}
	}
}

func (s *SourceSQS) client(ctx context.Context) (sqsAPI, error) {
	if s.opts.sqsClient != nil {
		return s.opts.sqsClient, nil
	}
	awsCfg, err := LoadAWSConfig(ctx, s.cfg.ConnectionArgs)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, s.cfg.ConnectionArgs.sqsOptions), nil
}

func (s *SourceSQS) resolveQueueURL(ctx context.Context, client sqsAPI) (string, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(s.cfg.Name)})
	if err != nil {
		if isQueueNotFound(err) {
			return "", &ResourceNotFoundError{Kind: "Queue", Name: s.cfg.Name}
		}
		return "", fmt.Errorf("get url of queue %s: %w", s.cfg.Name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

func isQueueNotFound(err error) bool {
	var qne *sqstypes.QueueDoesNotExist
	if errors.As(err, &qne) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return true
		}
	}
	return false
}

// deliver pushes msgs in order, deleting each one only after its push completed.
// Messages that were not pushed are made visible again so they redeliver promptly.
func (s *SourceSQS) deliver(ctx context.Context, client sqsAPI, queueURL string, q Queue, msgs []sqstypes.Message) error {
	for i := range msgs {
		m := &msgs[i]

		if err := q.Push(ctx, s.envelope(m)); err != nil {
			s.release(ctx, client, queueURL, msgs[i:])
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("push message %s: %w", aws.ToString(m.MessageId), err)
		}
		s.opts.metrics.Pushed(TypeSQS)
		runtime.Gosched()

		if err := s.ack(ctx, client, queueURL, m); err != nil {
			s.release(ctx, client, queueURL, msgs[i+1:])
			return err
		}

		if err := ctx.Err(); err != nil {
			s.release(ctx, client, queueURL, msgs[i+1:])
			return err
		}
	}
	return nil
}

func (s *SourceSQS) envelope(m *sqstypes.Message) event.Envelope {
	body, ok := parseBody([]byte(aws.ToString(m.Body)))
	if !ok {
		s.opts.metrics.ParseFallback(TypeSQS)
		s.log.Debug("message body is not json, forwarding raw string", zap.String("message_id", aws.ToString(m.MessageId)))
	}
	return event.NewMessage(body, map[string]string{event.MetaMessageID: aws.ToString(m.MessageId)})
}

// ack deletes m. The call is detached from ctx cancellation: once a push has
// completed, its acknowledgement must still be issued.
func (s *SourceSQS) ack(ctx context.Context, client sqsAPI, queueURL string, m *sqstypes.Message) error {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), secondsToDuration(s.cfg.AckTimeout))
	defer cancel()

	_, err := client.DeleteMessage(ackCtx, &sqs.DeleteMessageInput{
		QueueUrl:      &queueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", aws.ToString(m.MessageId), err)
	}
	s.opts.metrics.Acked(TypeSQS)
	return nil
}

// release makes msgs visible again. Best effort: a failure only delays
// redelivery until the visibility timeout expires.
func (s *SourceSQS) release(ctx context.Context, client sqsAPI, queueURL string, msgs []sqstypes.Message) {
	if len(msgs) == 0 {
		return
	}

	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), secondsToDuration(s.cfg.AckTimeout))
	defer cancel()

	const maxBatch = 10
	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: &queueURL}
	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, maxBatch)

	for i := 0; i < len(msgs); i += maxBatch {
		end := i + maxBatch
		if end > len(msgs) {
			end = len(msgs)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			if msgs[j].ReceiptHandle == nil {
				continue
			}
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(j)),
				ReceiptHandle:     msgs[j].ReceiptHandle,
				VisibilityTimeout: 0,
			})
		}
		if len(entries) == 0 {
			continue
		}

		in.Entries = entries
		out, err := client.ChangeMessageVisibilityBatch(relCtx, &in)
		if err != nil {
			s.log.Warn("release unpushed messages", zap.Int("count", len(entries)), zap.Error(err))
			return
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			s.log.Warn("release unpushed messages partially failed",
				zap.Int("failed", len(out.Failed)),
				zap.String("code", aws.ToString(f.Code)),
				zap.String("message", aws.ToString(f.Message)))
		}
	}
}

var _ Sourcer = (*SourceSQS)(nil)
