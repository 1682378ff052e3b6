// Package redisqueue implements agent.CommandQueue over a Redis list,
// grounded on adapter/redis/redis.go's go-redis client usage. Local
// callers (a CLI, a web console) RPUSH JSON-encoded commands; the agent
// drains them with LPOP.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trackrun/trackcore/types"
)

// DefaultTimeout is the default per-drain operation timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis-backed command queue.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Key is the list key commands are pushed to and popped from.
	Key string
	// Timeout is the per-drain operation timeout (default 5s).
	Timeout time.Duration
}

// Queue is a Redis-list-backed agent.CommandQueue.
type Queue struct {
	config Config
	client *goredis.Client
}

// New creates a Redis command queue from the given config.
func New(cfg Config) (*Queue, error) {
	if cfg.URL == "" {
		return nil, errors.New("redisqueue requires a URL")
	}
	if cfg.Key == "" {
		return nil, errors.New("redisqueue requires a list key")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisqueue: invalid URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Queue{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Push enqueues a command for the agent to drain. ReplyTo is dropped:
// Redis-queued commands are fire-and-forget from the caller's side.
func (q *Queue) Push(ctx context.Context, cmd *types.AgentCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal command: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	if err := q.client.RPush(pushCtx, q.config.Key, body).Err(); err != nil {
		return fmt.Errorf("redisqueue: push: %w", err)
	}
	return nil
}

// Drain implements agent.CommandQueue: it pops up to max commands,
// dropping any that fail to decode rather than blocking the agent loop.
func (q *Queue) Drain(max int) []*types.AgentCommand {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.Timeout)
	defer cancel()

	out := make([]*types.AgentCommand, 0, max)
	for range max {
		body, err := q.client.LPop(ctx, q.config.Key).Result()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			break
		}

		var cmd types.AgentCommand
		if err := json.Unmarshal([]byte(body), &cmd); err != nil {
			continue
		}
		out = append(out, &cmd)
	}
	return out
}

// Close releases queue resources.
func (q *Queue) Close() error {
	return q.client.Close()
}
