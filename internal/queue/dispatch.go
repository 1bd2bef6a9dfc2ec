// Package queue publishes dispatch messages to SQS so a worker can deliver a
// digest batch as soon as it is built.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"qsldigest/internal/config"
	"qsldigest/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DispatchPublisher sends one DispatchMessage per batch to the dispatch queue.
type DispatchPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDispatchPublisher reads the queue URL from awsCfg.
func NewDispatchPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *DispatchPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchPublisher{
		client:   client,
		queueURL: awsCfg.DispatchQueueURL,
		logger:   logger,
	}
}

// Enabled reports whether a queue URL is configured.
func (p *DispatchPublisher) Enabled() bool {
	return p != nil && p.queueURL != ""
}

// PublishDispatch enqueues msg. Without a queue URL it is a no-op.
func (p *DispatchPublisher) PublishDispatch(ctx context.Context, msg types.DispatchMessage) error {
	if !p.Enabled() {
		return nil
	}
	if msg.BatchID <= 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidID, "dispatch message requires a batch id", nil)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal DispatchMessage: %w", err)
	}

	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.New().String()
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"batch_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(msg.BatchID, 10)),
			},
			"trace_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(traceID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send DispatchMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "dispatch message sent",
		"queue_url", p.queueURL,
		"batch_id", msg.BatchID,
		"user_id", msg.UserID,
		"digest_date", msg.DigestDate,
		"trace_id", traceID,
	)
	return nil
}

// ParseDispatchMessage decodes an SQS body. A message without a positive
// batch id is rejected.
func ParseDispatchMessage(body string) (types.DispatchMessage, error) {
	var msg types.DispatchMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("queue: malformed dispatch message: %w", err)
	}
	if msg.BatchID <= 0 {
		return msg, fmt.Errorf("queue: dispatch message missing batch_id")
	}
	return msg, nil
}
