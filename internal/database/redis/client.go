// Package redis keeps the live mining state other services read: the current
// job snapshot and rolling per-worker share counters.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	currentJobKey = "current_job"
	// CounterWindow is how long an idle worker's counters survive.
	CounterWindow = 24 * time.Hour
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	// URL is redis://[user:pass@]host:port/db.
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client and pings it.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// JobSnapshot is the current job as published for stratum frontends.
type JobSnapshot struct {
	JobID      string    `json:"job_id"`
	Height     int64     `json:"height"`
	PrevHash   string    `json:"prev_hash"`
	Difficulty float64   `json:"difficulty"`
	CleanJobs  bool      `json:"clean_jobs"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetCurrentJob replaces the current job snapshot.
func (c *Client) SetCurrentJob(ctx context.Context, snap *JobSnapshot) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	if err := c.rdb.Set(ctx, currentJobKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}

	return nil
}

// GetCurrentJob reads the current job snapshot. ok is false when none is set.
func (c *Client) GetCurrentJob(ctx context.Context) (snap *JobSnapshot, ok bool, err error) {
	data, err := c.rdb.Get(ctx, currentJobKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get current job: %w", err)
	}

	snap = &JobSnapshot{}
	if err := sonic.Unmarshal(data, snap); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal job snapshot: %w", err)
	}
	return snap, true, nil
}

// WorkerCounterKey is the hash holding a worker's share counters.
func WorkerCounterKey(worker string) string {
	return "worker:" + strings.ToLower(worker) + ":shares"
}

// IncrementWorkerShares bumps the accepted or rejected counter of worker and
// returns the new value. A rejected share is also counted under its reason.
func (c *Client) IncrementWorkerShares(ctx context.Context, worker string, accepted bool, reason string) (int64, error) {
	key := WorkerCounterKey(worker)
	field := "rejected"
	if accepted {
		field = "accepted"
	}

	pipe := c.rdb.TxPipeline()
	incrCmd := pipe.HIncrBy(ctx, key, field, 1)
	if !accepted && reason != "" {
		pipe.HIncrBy(ctx, key, "reject:"+reason, 1)
	}
	pipe.Expire(ctx, key, CounterWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment worker shares: %w", err)
	}

	return incrCmd.Val(), nil
}

// WorkerShares returns every counter of worker.
func (c *Client) WorkerShares(ctx context.Context, worker string) (map[string]string, error) {
	vals, err := c.rdb.HGetAll(ctx, WorkerCounterKey(worker)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get worker shares: %w", err)
	}
	return vals, nil
}
