package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

// Inspector reads task state straight from the broker.
type Inspector struct {
	inspector *asynq.Inspector
	queue     string
}

func NewInspector(redisOpt asynq.RedisClientOpt, queueName string) *Inspector {
	return &Inspector{
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
	}
}

// JobState reports the job status implied by the broker's view of the task.
// ok is false when the broker no longer knows the task.
func (i *Inspector) JobState(_ context.Context, taskID string) (string, bool, error) {
	info, err := i.inspector.GetTaskInfo(i.queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("inspect task %s: %w", taskID, err)
	}
	return StatusForState(info.State), true, nil
}

func (i *Inspector) Close() error {
	return i.inspector.Close()
}

func StatusForState(state asynq.TaskState) string {
	switch state {
	case asynq.TaskStateActive:
		return domain.JobStatusRunning
	case asynq.TaskStateCompleted:
		return domain.JobStatusCompleted
	case asynq.TaskStateRetry, asynq.TaskStateArchived:
		return domain.JobStatusFailed
	default:
		return domain.JobStatusQueued
	}
}
