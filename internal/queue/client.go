package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) EnqueueReconcileSweep(ctx context.Context, requestedBy string) (*asynq.TaskInfo, error) {
	task, err := NewReconcileSweepTask(ReconcileSweepPayload{
		RequestedBy: requestedBy,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, sweepOptions(c.queue)...)
}

func (c *Client) Close() error {
	return c.client.Close()
}

func sweepOptions(queueName string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(3),
		asynq.Timeout(30 * time.Minute),
	}
}
