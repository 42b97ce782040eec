package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionCleanup sweeps expired sessions out of the durable store and cache.
	TaskSessionCleanup = "auth:sessions_cleanup"
)

// SessionCleanupPayload carries optional overrides for a cleanup run.
type SessionCleanupPayload struct {
	Trigger string `json:"trigger"`
}

// NewSessionCleanupTask constructs an Asynq task.
func NewSessionCleanupTask(trigger string) (*asynq.Task, error) {
	data, err := json.Marshal(SessionCleanupPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionCleanup, data, asynq.Queue(QueueDefault)), nil
}
