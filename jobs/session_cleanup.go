package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Cleaner removes expired sessions and reports how many were swept.
type Cleaner interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// Recorder observes job outcomes.
type Recorder interface {
	JobCompleted(task string, err error)
}

// SessionCleanupJob runs the periodic expired-session sweep.
type SessionCleanupJob struct {
	Cleaner  Cleaner
	Logger   *slog.Logger
	Recorder Recorder
	clock    func() time.Time
}

// NewSessionCleanupJob initialises the cleanup handler.
func NewSessionCleanupJob(cleaner Cleaner, logger *slog.Logger, recorder Recorder) *SessionCleanupJob {
	return &SessionCleanupJob{
		Cleaner:  cleaner,
		Logger:   logger,
		Recorder: recorder,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *SessionCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Cleaner == nil {
		return errors.New("session cleanup: handler not configured")
	}
	var payload SessionCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Trigger == "" {
		payload.Trigger = "schedule"
	}

	defer func() {
		if j.Recorder != nil {
			j.Recorder.JobCompleted(TaskSessionCleanup, err)
		}
	}()

	start := j.clock()
	logger := j.logger().With(slog.String("job", TaskSessionCleanup), slog.String("trigger", payload.Trigger))

	swept, err := j.Cleaner.CleanupExpiredSessions(ctx)
	if err != nil {
		logger.Error("session cleanup failed", slog.Int("swept", swept), slog.Any("error", err))
		return err
	}
	logger.Info("completed session cleanup",
		slog.Int("swept", swept),
		slog.Duration("duration", j.clock().Sub(start)),
	)
	return nil
}

func (j *SessionCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
