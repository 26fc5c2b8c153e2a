// Package main implements the jobmanager service for the GOMP mining pool.
// It turns node block templates into Stratum jobs, validates shares against
// them and submits solved blocks back to the node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/bardlex/gompcore/internal/algo"
	"github.com/bardlex/gompcore/internal/bitcoin"
	"github.com/bardlex/gompcore/internal/config"
	"github.com/bardlex/gompcore/internal/database"
	"github.com/bardlex/gompcore/internal/database/influx"
	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/internal/feed"
	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/internal/messaging"
	"github.com/bardlex/gompcore/internal/nonce"
	"github.com/bardlex/gompcore/internal/template"
	"github.com/bardlex/gompcore/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := log.New(log.Options{
		Service:   cfg.ServiceName,
		Version:   cfg.Version,
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		MaxSizeKB: cfg.LogMaxSizeKB,
		MaxRolls:  cfg.LogMaxRolls,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	logger.Info("starting jobmanager",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"network", cfg.Network,
		"algorithm", cfg.Algorithm,
		"bitcoin_host", cfg.BitcoinRPCHost,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start jobmanager")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	failed := make(chan struct{})
	go func() {
		if err := svc.Start(ctx); err != nil {
			logger.WithError(err).Error("jobmanager failed")
			close(failed)
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-failed:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("jobmanager stopped")
}

// runner is a long-lived component driven by the service context.
type runner interface {
	Run(ctx context.Context) error
}

// Service owns every component of the job manager process.
type Service struct {
	cfg     *config.Config
	logger  *log.Logger
	manager *jobs.Manager
	node    *bitcoin.RPCClient
	feed    *feed.Feed

	db        *database.Manager
	recorder  *database.Recorder
	kafka     *messaging.KafkaClient
	publisher *messaging.Publisher
	zmq       *bitcoin.ZMQNotifier

	wg sync.WaitGroup
}

// NewService connects to the node and every configured store and wires the
// manager's listeners. Nothing runs until Start.
func NewService(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Service, error) {
	s := &Service{cfg: cfg, logger: logger.WithComponent("jobmanager")}

	manager, err := newManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.manager = manager

	node, err := bitcoin.NewRPCClient(bitcoin.RPCConfig{
		Host:     cfg.BitcoinRPCHost,
		User:     cfg.BitcoinRPCUser,
		Password: cfg.BitcoinRPCPassword,
	})
	if err != nil {
		return nil, err
	}
	s.node = node

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := node.Ping(pingCtx); err != nil {
		s.close()
		return nil, err
	}
	s.logger.Info("connected to Bitcoin Core")

	if dbCfg := databaseConfig(cfg); !dbCfg.Empty() {
		db, err := database.Open(ctx, dbCfg, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.db = db
		s.recorder = database.NewRecorder(db.Sinks(), cfg.KafkaQueueSize, logger)
	}

	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		s.publisher = messaging.NewPublisher(s.kafka, cfg.KafkaQueueSize, logger)
	}

	feedCfg := feed.Config{
		RefreshInterval:    cfg.BlockRefreshInterval,
		RebroadcastTimeout: cfg.JobRebroadcastTimeout,
	}
	if s.db != nil && s.db.Blocks != nil {
		feedCfg.OnSubmitResult = blockStatusUpdater(s.db.Blocks, s.logger)
	}
	s.feed = feed.New(node, manager, feedCfg, logger)

	manager.Subscribe(s.feed)
	if s.recorder != nil {
		manager.Subscribe(s.recorder)
	}
	if s.publisher != nil {
		manager.Subscribe(s.publisher)
	}

	if cfg.BitcoinZMQAddr != "" {
		z, err := bitcoin.Dial(cfg.BitcoinZMQAddr, logger, bitcoin.TopicHashBlock)
		if err != nil {
			s.close()
			return nil, err
		}
		s.zmq = z
	}

	return s, nil
}

// Start runs every component until ctx is done. It returns the first
// component error other than cancellation.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("job manager starting",
		"extranonce1_size", s.manager.ExtraNonce1Size(),
		"zmq", s.zmq != nil,
		"kafka", s.publisher != nil,
		"database", s.recorder != nil,
	)

	errc := make(chan error, 4)
	start := func(name string, r runner) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("feed", s.feed)
	if s.recorder != nil {
		start("recorder", s.recorder)
	}
	if s.publisher != nil {
		start("publisher", s.publisher)
	}
	if s.zmq != nil {
		handler := bitcoin.NewBlockNotificationHandler(s.logger, s.feed.NotifyBlock)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.zmq.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("zmq: %w", err)
			}
		}()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown waits for the components started by Start to drain, then closes
// every connection. The caller cancels the Start context first.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down job manager")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("components still running after shutdown timeout: %w", ctx.Err())
	}

	if closeErr := s.close(); closeErr != nil && err == nil {
		err = closeErr
	}

	st := s.feed.Status()
	s.logger.Info("job manager stopped",
		"last_height", st.LastHeight,
		"refreshes", st.Refreshes,
		"rebroadcasts", st.Rebroadcasts,
		"blocks_submitted", st.Submitted,
		"candidates_dropped", s.feed.Dropped(),
	)
	return err
}

func (s *Service) close() error {
	var lastErr error
	if s.zmq != nil {
		if err := s.zmq.Close(); err != nil {
			lastErr = err
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			lastErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			lastErr = err
		}
	}
	if s.node != nil {
		s.node.Close()
	}
	return lastErr
}

// newManager builds the hasher, the extranonce allocator and the template
// builder, then the job manager over them.
func newManager(cfg *config.Config, logger *log.Logger) (*jobs.Manager, error) {
	opts, err := algoOptions(cfg)
	if err != nil {
		return nil, err
	}
	hasher, err := algo.DefaultRegistry().Lookup(cfg.Algorithm, opts)
	if err != nil {
		return nil, err
	}

	instanceID, source, err := resolveInstanceID(cfg)
	if err != nil {
		return nil, err
	}

	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	builder, err := template.NewBuilder(template.Options{
		Params:          params,
		PoolAddress:     cfg.PoolAddress,
		Recipients:      recipients(cfg),
		Signature:       cfg.CoinbaseTag,
		ExtraNonce2Size: cfg.ExtraNonce2Size,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("job manager configured",
		"algorithm", hasher.Name,
		"multiplier", hasher.Multiplier,
		"instance_id", instanceID,
		"instance_source", source,
	)

	return jobs.NewManager(jobs.Config{
		Builder:     builder,
		Hasher:      hasher,
		Nonces:      nonce.New(instanceID),
		Policy:      policy(cfg),
		HashWorkers: cfg.HashWorkers,
	}, logger)
}

// resolveInstanceID picks the extranonce1 partition: the configured id
// when non-zero, else the id persisted in InstanceFile, else a fresh random
// id for this process.
func resolveInstanceID(cfg *config.Config) (uint32, string, error) {
	switch {
	case cfg.InstanceID != 0:
		return cfg.InstanceID, "config", nil
	case cfg.InstanceFile != "":
		id, err := nonce.LoadInstanceID(cfg.InstanceFile)
		return id, "file", err
	}
	id, err := nonce.RandomInstanceID()
	return id, "random", err
}

func algoOptions(cfg *config.Config) (algo.Options, error) {
	if cfg.Coin == nil {
		return algo.Options{}, nil
	}
	table, err := cfg.Coin.NTable()
	if err != nil {
		return algo.Options{}, err
	}
	return algo.Options{TimeTable: table, VerthashData: cfg.Coin.VerthashData}, nil
}

func recipients(cfg *config.Config) []template.Recipient {
	if cfg.Coin == nil || len(cfg.Coin.Recipients) == 0 {
		return nil
	}
	out := make([]template.Recipient, 0, len(cfg.Coin.Recipients))
	for _, r := range cfg.Coin.Recipients {
		out = append(out, template.Recipient{Address: r.Address, Percent: r.Percent})
	}
	return out
}

func policy(cfg *config.Config) jobs.Policy {
	return jobs.Policy{
		DifficultyTolerance:      cfg.Tolerance,
		AcceptPreviousDifficulty: !cfg.NoPreviousDiff,
		MaxNTimeDrift:            cfg.MaxNTimeDrift,
	}
}

// databaseConfig maps the connection settings to store configs, leaving out
// the stores without a URL.
func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}
	if cfg.PostgresURL != "" {
		dbCfg.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  30 * time.Minute,
		}
	}
	if cfg.RedisURL != "" {
		dbCfg.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbCfg
}

type blockStatusWriter interface {
	UpdateBlockStatus(ctx context.Context, hash, status string) error
}

// blockStatusUpdater records the node's verdict on each submitted block.
func blockStatusUpdater(blocks blockStatusWriter, logger *log.Logger) func(string, error) {
	return func(blockHash string, submitErr error) {
		status := postgres.BlockSubmitted
		if submitErr != nil {
			status = postgres.BlockRejected
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := blocks.UpdateBlockStatus(ctx, blockHash, status); err != nil {
			logger.WithError(err).Error("failed to update block status",
				"block_hash", blockHash,
				"status", status,
			)
		}
	}
}
