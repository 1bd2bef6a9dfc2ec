// Package main is the entrypoint for the digest runner Lambda.
//
// EventBridge schedules send a MaintenancePayload naming one task:
// generate_digests, dispatch_notifications or purge_digests. Each invocation
// takes an hourly job lock, records a job_history row and routes the task to
// the run driver.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"qsldigest/internal/bootstrap"
	"qsldigest/internal/config"
	"qsldigest/internal/db"
	"qsldigest/internal/logging"
	"qsldigest/internal/scheduler"
	"qsldigest/internal/types"
)

// defaultLockTTL applies when no TTL is configured.
const defaultLockTTL = 15 * time.Minute

// DigestService is the subset of scheduler.RunDriver the handler routes to.
type DigestService interface {
	GenerateDueDigests(ctx context.Context, now time.Time, limit int) (types.GenerationResult, error)
	DispatchPendingNotifications(ctx context.Context, limit int) (types.DispatchSummary, error)
	PurgeExpiredDigests(ctx context.Context, now time.Time) (types.PurgeResult, error)
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Handler holds the dependencies for the runner.
type Handler struct {
	Digest     DigestService
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	LockTTL    time.Duration
	Logger     *slog.Logger
	// Now is the wall clock the lock hour is taken from. Nil means time.Now.
	Now func() time.Time
}

// LockID is "task:YYYY-MM-DDTHH" for the hour containing now.
func LockID(task scheduler.TaskType, now time.Time) string {
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}

// Handle runs one scheduled task.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := h.Now
	if clock == nil {
		clock = time.Now
	}
	wall := clock().UTC()
	now := wall
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "digest runner invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	if !payload.Task.Valid() {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	// A backfill's reference_time must not move it out of the current
	// hour's lock.
	lockID := LockID(payload.Task, wall)
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, ttl)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	defer func() {
		if err := h.JobLock.Release(context.WithoutCancel(ctx), lockID, h.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	jobID, err := h.JobHistory.Start(ctx, taskStr)
	if err != nil {
		// History is best effort; jobID 0 skips Finish.
		logger.ErrorContext(ctx, "failed to start job history", "task", taskStr, "error", err)
		jobID = 0
	}

	ctx = types.WithJobName(ctx, taskStr)
	items, execErr := h.dispatch(ctx, payload, now, logger)

	status := db.JobStatusSuccess
	if execErr != nil {
		status = db.JobStatusFailed
	}
	if jobID != 0 {
		if finishErr := h.JobHistory.Finish(ctx, jobID, status, items, execErr); finishErr != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "task", taskStr, "error", finishErr)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed", "task", taskStr, "error", execErr, "items_before_error", items)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result, "task", taskStr, "items", items)
	return result, nil
}

// dispatch routes the task and returns the item count recorded in history.
func (h *Handler) dispatch(ctx context.Context, payload scheduler.MaintenancePayload, now time.Time, logger *slog.Logger) (int, error) {
	switch payload.Task {
	case scheduler.TaskGenerateDigests:
		res, err := h.Digest.GenerateDueDigests(ctx, now, payload.Limit)
		logger.InfoContext(ctx, "digest generation result",
			"created", res.Created, "updated", res.Updated, "skipped", res.Skipped, "failed", res.Failed)
		return res.Created + res.Updated, err

	case scheduler.TaskDispatchNotifications:
		res, err := h.Digest.DispatchPendingNotifications(ctx, payload.Limit)
		logger.InfoContext(ctx, "digest dispatch result",
			"processed", res.Processed, "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
		return res.Processed, err

	case scheduler.TaskPurgeDigests:
		res, err := h.Digest.PurgeExpiredDigests(ctx, now)
		if res.TimedOut {
			logger.WarnContext(ctx, "digest purge stopped at deadline", "deleted", res.BatchesDeleted)
		}
		return res.BatchesDeleted, err

	default:
		return 0, fmt.Errorf("unknown task type: %q", payload.Task)
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "service", "digest-runner", "version", cfg.Build.Version)
	logger.Info("digest runner initializing (cold start)")

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize digest pipeline", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	handler := &Handler{
		Digest:     app.Driver,
		JobLock:    app.JobLock,
		JobHistory: app.JobHistory,
		WorkerID:   uuid.New().String(),
		LockTTL:    cfg.Jobs.LockTTL,
		Logger:     logger,
		Now:        time.Now,
	}

	logger.Info("digest runner initialized",
		"worker_id", handler.WorkerID,
		"lock_backend", cfg.Jobs.LockBackend,
	)

	// Local mode: read one payload from stdin, e.g.
	//   echo '{"task":"generate_digests"}' | go run ./cmd/digest-runner
	if cfg.IsLocal() {
		if err := runLocal(ctx, handler, os.Stdin); err != nil {
			logger.Error("local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

func runLocal(ctx context.Context, h *Handler, in io.Reader) error {
	var payload scheduler.MaintenancePayload
	if err := json.NewDecoder(in).Decode(&payload); err != nil {
		return fmt.Errorf("parsing payload from stdin: %w", err)
	}
	result, err := h.Handle(ctx, payload)
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}
