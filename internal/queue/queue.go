// Package queue is the durable continuation queue for background run
// execution. Each chunk of a run is one task; finishing a chunk enqueues the
// next, so a run survives process restarts between chunks.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the redis list the worker consumes.
const DefaultQueueKey = "runs:chunks"

// ChunkTask tells the worker which slice of a run to execute next.
type ChunkTask struct {
	RunID      uuid.UUID `json:"run_id"`
	StartIndex int       `json:"start_index"`
}

// Queue enqueues and dequeues chunk tasks.
type Queue interface {
	Enqueue(ctx context.Context, task ChunkTask) error
	// Dequeue blocks up to the configured timeout. A nil task with nil
	// error means the wait timed out with nothing to do.
	Dequeue(ctx context.Context) (*ChunkTask, error)
}

// RedisQueue implements Queue on a redis list (RPush in, BLPop out).
type RedisQueue struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{
		client:       client,
		key:          key,
		blockTimeout: 5 * time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task ChunkTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue chunk for run %s: %w", task.RunID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*ChunkTask, error) {
	result, err := q.client.BLPop(ctx, q.blockTimeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var task ChunkTask
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("malformed chunk task: %w", err)
	}
	return &task, nil
}
