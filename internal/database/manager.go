// Package database records job and share signals in PostgreSQL, Redis and
// InfluxDB. Each store is optional.
package database

import (
	"context"
	"fmt"

	"github.com/bardlex/gompcore/internal/database/influx"
	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
)

// Manager owns the store connections that were configured.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Shares *postgres.ShareRepository
	Blocks *postgres.BlockRepository

	logger *log.Logger
}

// Config holds configuration for all database systems. A nil entry
// leaves that store out.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Empty reports whether no store is configured.
func (c *Config) Empty() bool {
	return c.Postgres == nil && c.Redis == nil && c.Influx == nil
}

// Open connects to every configured store. A failure closes whatever was
// already opened.
func Open(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{logger: logger.WithComponent("database")}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database"))
		}
		m.Postgres = pg
		m.Shares = postgres.NewShareRepository(pg.DB())
		m.Blocks = postgres.NewBlockRepository(pg.DB())
	}

	if cfg.Redis != nil {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = rc
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = ic
		go m.logInfluxErrors(ic)
	}

	return m, nil
}

func (m *Manager) abort(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

func (m *Manager) logInfluxErrors(c *influx.Client) {
	for err := range c.Errors() {
		m.logger.WithError(err).Warn("InfluxDB write failed")
	}
}

// Sinks returns the configured stores as Recorder sinks. Stores that are
// not connected stay nil interfaces.
func (m *Manager) Sinks() Sinks {
	var s Sinks
	if m.Postgres != nil {
		s.Store = repositories{shares: m.Shares, blocks: m.Blocks}
	}
	if m.Influx != nil {
		s.Metrics = m.Influx
	}
	if m.Redis != nil {
		s.Cache = m.Redis
	}
	return s
}

type repositories struct {
	shares *postgres.ShareRepository
	blocks *postgres.BlockRepository
}

func (r repositories) CreateShare(ctx context.Context, share *postgres.Share) error {
	return r.shares.CreateShare(ctx, share)
}

func (r repositories) CreateBlock(ctx context.Context, block *postgres.Block) error {
	return r.blocks.CreateBlock(ctx, block)
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}
