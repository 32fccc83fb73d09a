package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const taskTimeout = 3 * time.Minute

type Client struct {
	client    *asynq.Client
	queue     string
	retention time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, retention time.Duration) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpt),
		queue:     queueName,
		retention: retention,
	}
}

// EnqueueResizeImage submits one resize task. The job ID doubles as the task
// ID so the task can be looked up later, and failed tasks are not retried.
func (c *Client) EnqueueResizeImage(ctx context.Context, payload ResizeImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewResizeImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.options(payload.JobID)...)
}

func (c *Client) options(taskID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(taskID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(taskTimeout),
	}
	if c.retention > 0 {
		opts = append(opts, asynq.Retention(c.retention))
	}
	return opts
}

func (c *Client) Close() error {
	return c.client.Close()
}
