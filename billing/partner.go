package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSClient defines the SQS operations used by the partner consumer.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// PartnerConfig configures a PartnerConsumer.
type PartnerConfig struct {
	QueueURL   string
	WaitTime   time.Duration
	BatchSize  int32
	MaxBackoff time.Duration
}

// PartnerConsumer drains partner-delivered events from an SQS queue. Messages
// are deleted once processed, dropped as invalid, or recognized as duplicates;
// transient failures leave the message for redelivery after its visibility
// timeout.
type PartnerConsumer struct {
	client   SQSClient
	pipeline *Pipeline
	cfg      PartnerConfig
	logger   *slog.Logger
}

// NewPartnerConsumer creates a PartnerConsumer.
func NewPartnerConsumer(client SQSClient, pipeline *Pipeline, cfg PartnerConfig, logger *slog.Logger) *PartnerConsumer {
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PartnerConsumer{client: client, pipeline: pipeline, cfg: cfg, logger: logger}
}

// Run polls until ctx is canceled.
func (c *PartnerConsumer) Run(ctx context.Context) error {
	c.logger.Info("partner consumer started", "queue_url", c.cfg.QueueURL)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("partner receive failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}
		backoff = time.Second
		c.logger.Debug("partner batch processed", "messages", n)
	}
}

// Poll receives and processes one batch, returning the number of messages
// received.
func (c *PartnerConsumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.BatchSize,
		WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
	})
	if err != nil {
		return 0, err
	}
	for _, msg := range out.Messages {
		c.handle(ctx, msg)
	}
	return len(out.Messages), nil
}

func (c *PartnerConsumer) handle(ctx context.Context, msg sqstypes.Message) {
	msgID := aws.ToString(msg.MessageId)
	rep, err := c.pipeline.Process(ctx, &RawEvent{
		Channel: ChannelPartner,
		Body:    []byte(aws.ToString(msg.Body)),
	})
	if err != nil && !errors.Is(err, ErrInvalidEvent) {
		c.logger.Warn("partner event left for redelivery", "message_id", msgID, "error", err)
		return
	}
	_, derr := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if derr != nil {
		// Redelivery is harmless; the event id is already recorded.
		c.logger.Warn("partner message delete failed", "message_id", msgID, "error", derr)
		return
	}
	c.logger.Debug("partner message handled", "message_id", msgID, "event_id", rep.EventID, "outcome", rep.Outcome)
}
