// Package main is the entrypoint for the dispatch worker Lambda.
//
// The worker consumes DispatchMessages from the dispatch SQS queue and runs
// push-then-email delivery for the named digest batch. Deliveries are
// idempotent, so a redelivered message never re-sends a sent channel.
//
// Messages that fail with a transient error are reported as batch item
// failures so SQS retries only those; malformed messages and batches that no
// longer exist are acknowledged.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"qsldigest/internal/bootstrap"
	"qsldigest/internal/config"
	"qsldigest/internal/logging"
	"qsldigest/internal/queue"
	"qsldigest/internal/types"
)

// BatchDispatcher delivers one digest batch.
type BatchDispatcher interface {
	DispatchOneBatch(ctx context.Context, batchID int64) (types.DispatchResult, error)
}

// Handler holds the dependencies for the dispatch worker.
type Handler struct {
	Dispatcher BatchDispatcher
	Logger     *slog.Logger
}

// Handle processes an SQS event with partial batch responses.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.Logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	msg, err := queue.ParseDispatchMessage(record.Body)
	if err != nil {
		// Retrying a malformed body cannot succeed.
		h.Logger.ErrorContext(ctx, "dropping malformed dispatch message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	logger := h.Logger.With(
		"batch_id", msg.BatchID,
		"message_id", record.MessageId,
	)
	if traceID := messageAttribute(record, "trace_id"); traceID != "" {
		logger = logger.With("trace_id", traceID)
		ctx = types.WithRequestID(ctx, traceID)
	}

	if sent, ok := record.Attributes["SentTimestamp"]; ok {
		if ms, err := strconv.ParseInt(sent, 10, 64); err == nil {
			logger.DebugContext(ctx, "dispatch message queue lag", "lag_ms", time.Since(time.UnixMilli(ms)).Milliseconds())
		}
	}

	result, err := h.Dispatcher.DispatchOneBatch(ctx, msg.BatchID)
	if err != nil {
		if types.IsNotFound(err) {
			logger.WarnContext(ctx, "digest batch no longer exists, acknowledging")
			return nil
		}
		return fmt.Errorf("dispatching batch %d: %w", msg.BatchID, err)
	}

	logger.InfoContext(ctx, "digest batch dispatched",
		"push_status", result.PushStatus,
		"email_status", result.EmailStatus,
	)
	return nil
}

func messageAttribute(record events.SQSMessage, name string) string {
	attr, ok := record.MessageAttributes[name]
	if !ok || attr.StringValue == nil {
		return ""
	}
	return *attr.StringValue
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "service", "dispatch-worker", "version", cfg.Build.Version)

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize digest pipeline", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	handler := &Handler{Dispatcher: app.Driver, Logger: logger}
	logger.Info("dispatch worker initialized")

	// Local mode: read a JSON SQS event from stdin, e.g.
	//   echo '{"Records":[{"messageId":"1","body":"{\"batch_id\":7}"}]}' | go run ./cmd/dispatch-worker
	if cfg.IsLocal() {
		if err := runLocal(ctx, handler, os.Stdin, os.Stdout); err != nil {
			logger.Error("local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

func runLocal(ctx context.Context, h *Handler, in io.Reader, out io.Writer) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}
	response, err := h.Handle(ctx, sqsEvent)
	if err != nil {
		return err
	}
	if len(response.BatchItemFailures) > 0 {
		h.Logger.Warn("handler reported partial failures", "failed_count", len(response.BatchItemFailures))
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(response)
}
