// Package postgres persists accepted shares and block candidates.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a lib/pq connection string, either postgres://... or key=value form.
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens the pool, checks connectivity and makes sure the tables exist.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{db: db}
	if err := c.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// EnsureSchema creates the share and block tables when missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shares (
		id            BIGSERIAL PRIMARY KEY,
		job_id        TEXT NOT NULL,
		worker        TEXT NOT NULL,
		ip            TEXT NOT NULL,
		port          INTEGER NOT NULL,
		block_height  BIGINT NOT NULL,
		difficulty    DOUBLE PRECISION NOT NULL,
		share_diff    DOUBLE PRECISION NOT NULL,
		block_diff    DOUBLE PRECISION NOT NULL,
		block_hash    TEXT,
		submitted_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_worker_submitted_idx ON shares (worker, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		id              BIGSERIAL PRIMARY KEY,
		height          BIGINT NOT NULL,
		hash            TEXT NOT NULL UNIQUE,
		job_id          TEXT NOT NULL,
		worker          TEXT NOT NULL,
		reward          BIGINT NOT NULL,
		difficulty      DOUBLE PRECISION NOT NULL,
		share_diff      DOUBLE PRECISION NOT NULL,
		block_hex       TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		found_at        TIMESTAMPTZ NOT NULL
	)`,
}
