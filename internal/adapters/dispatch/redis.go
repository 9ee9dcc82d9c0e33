// Package dispatch hands automatic follow-up tasks to external workers through a Redis list.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/hylla/changeflow/internal/domain"
)

// DefaultQueueKey is the Redis list automatic tasks are pushed onto.
const DefaultQueueKey = "changeflow:dispatch"

// defaultMaxElapsed bounds the retry window of one push.
const defaultMaxElapsed = 30 * time.Second

// Message is the JSON payload pushed for one automatic task.
type Message struct {
	TaskID     string    `json:"task_id"`
	WorkItemID string    `json:"work_item_id"`
	TaskName   string    `json:"task_name"`
	PluginName string    `json:"plugin_name,omitempty"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Options configures a RedisQueue.
type Options struct {
	Addr       string
	Password   string
	DB         int
	QueueKey   string
	MaxElapsed time.Duration
	Clock      func() time.Time
}

// RedisQueue pushes automatic tasks onto a Redis list, retrying transient failures.
type RedisQueue struct {
	client     redis.UniversalClient
	queueKey   string
	maxElapsed time.Duration
	clock      func() time.Time
	ownsClient bool
}

// New dials Redis with opts.
func New(opts Options) (*RedisQueue, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	q := NewFromClient(client, opts)
	q.ownsClient = true
	return q, nil
}

// NewFromClient wraps an existing client; Close leaves it open.
func NewFromClient(client redis.UniversalClient, opts Options) *RedisQueue {
	key := strings.TrimSpace(opts.QueueKey)
	if key == "" {
		key = DefaultQueueKey
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RedisQueue{
		client:     client,
		queueKey:   key,
		maxElapsed: maxElapsed,
		clock:      clock,
	}
}

// Dispatch pushes one task onto the queue.
func (q *RedisQueue) Dispatch(ctx context.Context, task domain.Task) error {
	payload, err := json.Marshal(Message{
		TaskID:     task.ID,
		WorkItemID: task.WorkItemID,
		TaskName:   task.Name,
		PluginName: task.PluginName,
		Priority:   int(task.Priority),
		EnqueuedAt: q.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dispatch message: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = q.maxElapsed
	err = backoff.Retry(func() error {
		pushErr := q.client.LPush(ctx, q.queueKey, payload).Err()
		if pushErr == nil {
			return nil
		}
		if errors.Is(pushErr, context.Canceled) || errors.Is(pushErr, context.DeadlineExceeded) {
			return backoff.Permanent(pushErr)
		}
		return pushErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("push task %q to %s: %w", task.Name, q.queueKey, err)
	}
	return nil
}

// Pop removes the oldest message, waiting up to timeout. ok is false when the queue stayed empty.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, q.queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	if len(res) != 2 {
		return Message{}, false, fmt.Errorf("unexpected BRPOP reply %v", res)
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, false, fmt.Errorf("decode dispatch message: %w", err)
	}
	return msg, true, nil
}

// Len reports how many messages are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// Ping reports whether Redis answers.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the client when the queue created it.
func (q *RedisQueue) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}
