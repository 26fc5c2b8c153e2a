// Package config provides configuration management for the job manager.
// Options come from command-line flags and environment variables, with an
// optional TOML coin definition on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"

	"github.com/bardlex/gompcore/pkg/errors"
)

// Config holds the job manager configuration.
type Config struct {
	// Service identification
	ServiceName string `long:"service-name" env:"SERVICE_NAME" default:"gompcore" description:"Service name used in logs"`
	Version     string `long:"version" env:"VERSION" default:"dev" description:"Build version reported in logs"`
	Environment string `long:"environment" env:"ENVIRONMENT" default:"development" description:"Deployment environment"`

	// Logging
	LogLevel     string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level {debug, info, warn, error}"`
	LogFormat    string `long:"log-format" env:"LOG_FORMAT" default:"json" description:"Log format {json, text}"`
	LogFile      string `long:"log-file" env:"LOG_FILE" description:"Also write logs to this rotating file"`
	LogMaxSizeKB int64  `long:"log-max-size-kb" env:"LOG_MAX_SIZE_KB" default:"10240" description:"Rotate the log file at this size"`
	LogMaxRolls  int    `long:"log-max-rolls" env:"LOG_MAX_ROLLS" default:"8" description:"Rotated log files to keep"`

	// Bitcoin Core connection
	BitcoinRPCHost     string `long:"rpc-host" env:"BITCOIN_RPC_HOST" default:"localhost:8332" description:"Node RPC host:port"`
	BitcoinRPCUser     string `long:"rpc-user" env:"BITCOIN_RPC_USER" description:"Node RPC user"`
	BitcoinRPCPassword string `long:"rpc-password" env:"BITCOIN_RPC_PASSWORD" description:"Node RPC password"`
	BitcoinZMQAddr     string `long:"zmq-addr" env:"BITCOIN_ZMQ_ADDR" description:"Node ZMQ hashblock endpoint, empty to poll only"`
	Network            string `long:"network" env:"NETWORK" default:"mainnet" description:"Chain {mainnet, testnet3, regtest, signet}"`

	// Coin and pool
	CoinFile        string  `long:"coin-file" env:"COIN_FILE" description:"TOML coin definition"`
	Algorithm       string  `long:"algorithm" env:"ALGORITHM" default:"sha256d" description:"Proof-of-work algorithm"`
	PoolAddress     string  `long:"pool-address" env:"POOL_ADDRESS" description:"Address receiving the block reward"`
	CoinbaseTag     string  `long:"coinbase-tag" env:"COINBASE_TAG" default:"/gompcore/" description:"Pool signature in the coinbase"`
	ExtraNonce2Size int     `long:"extranonce2-size" env:"EXTRANONCE2_SIZE" default:"4" description:"Miner extranonce2 bytes"`
	InstanceID      uint32  `long:"instance-id" env:"INSTANCE_ID" description:"Extranonce1 partition id, 0 to load or pick one"`
	InstanceFile    string  `long:"instance-file" env:"INSTANCE_FILE" description:"File persisting a generated instance id, empty for a fresh id per process"`
	HashWorkers     int     `long:"hash-workers" env:"HASH_WORKERS" description:"Concurrent share hashes, 0 for GOMAXPROCS"`
	Tolerance       float64 `long:"difficulty-tolerance" env:"DIFFICULTY_TOLERANCE" default:"0.99" description:"Lowest accepted shareDiff/difficulty ratio"`
	NoPreviousDiff  bool    `long:"no-previous-difficulty" env:"NO_PREVIOUS_DIFFICULTY" description:"Reject low shares even when they meet the previous difficulty"`

	MaxNTimeDrift         time.Duration `long:"max-ntime-drift" env:"MAX_NTIME_DRIFT" default:"1h" description:"How far nTime may run ahead of the clock"`
	BlockRefreshInterval  time.Duration `long:"block-refresh-interval" env:"BLOCK_REFRESH_INTERVAL" default:"1s" description:"Template polling interval"`
	JobRebroadcastTimeout time.Duration `long:"job-rebroadcast-timeout" env:"JOB_REBROADCAST_TIMEOUT" default:"55s" description:"Refresh the job when no block arrives for this long"`

	// Kafka configuration
	KafkaBrokers   []string `long:"kafka-broker" env:"KAFKA_BROKERS" env-delim:"," description:"Kafka brokers, empty to disable"`
	KafkaQueueSize int      `long:"kafka-queue-size" env:"KAFKA_QUEUE_SIZE" default:"4096" description:"Buffered events awaiting publish"`

	// Database connections, each empty to disable
	PostgresURL  string `long:"postgres-url" env:"POSTGRES_URL" description:"Postgres connection string"`
	RedisURL     string `long:"redis-url" env:"REDIS_URL" description:"Redis URL"`
	InfluxURL    string `long:"influx-url" env:"INFLUX_URL" description:"InfluxDB URL"`
	InfluxToken  string `long:"influx-token" env:"INFLUX_TOKEN" description:"InfluxDB token"`
	InfluxOrg    string `long:"influx-org" env:"INFLUX_ORG" default:"gompcore" description:"InfluxDB organization"`
	InfluxBucket string `long:"influx-bucket" env:"INFLUX_BUCKET" default:"mining" description:"InfluxDB bucket"`

	// Coin is the parsed CoinFile, if any.
	Coin *Coin `no-flag:"true"`
}

// Load parses args and the environment, applies the coin file and validates
// the result. A help request is returned as a *flags.Error of type ErrHelp.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_config", "invalid arguments")
	}

	if cfg.CoinFile != "" {
		coin, err := LoadCoin(cfg.CoinFile)
		if err != nil {
			return nil, err
		}
		cfg.Coin = coin
		if coin.Algorithm != "" {
			cfg.Algorithm = coin.Algorithm
		}
		if coin.Network != "" {
			cfg.Network = coin.Network
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	fail := func(msg string) error {
		return errors.New(errors.ErrorTypeConfig, "validate_config", msg)
	}

	if c.ServiceName == "" {
		return fail("SERVICE_NAME cannot be empty")
	}
	if c.PoolAddress == "" {
		return fail("POOL_ADDRESS is required")
	}
	if c.BitcoinRPCHost == "" {
		return fail("BITCOIN_RPC_HOST cannot be empty")
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	if c.ExtraNonce2Size < 1 || c.ExtraNonce2Size > 8 {
		return fail("EXTRANONCE2_SIZE must be between 1 and 8")
	}
	if c.Tolerance <= 0 || c.Tolerance > 1 {
		return fail("DIFFICULTY_TOLERANCE must be in (0, 1]")
	}
	if c.MaxNTimeDrift <= 0 {
		return fail("MAX_NTIME_DRIFT must be positive")
	}
	if c.BlockRefreshInterval <= 0 {
		return fail("BLOCK_REFRESH_INTERVAL must be positive")
	}
	if c.JobRebroadcastTimeout <= c.BlockRefreshInterval {
		return fail("JOB_REBROADCAST_TIMEOUT must exceed BLOCK_REFRESH_INTERVAL")
	}
	if c.HashWorkers < 0 {
		return fail("HASH_WORKERS cannot be negative")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaQueueSize <= 0 {
		return fail("KAFKA_QUEUE_SIZE must be positive")
	}
	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fail("INFLUX_TOKEN is required with INFLUX_URL")
	}
	return nil
}

// ChainParams resolves Network.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, errors.New(errors.ErrorTypeConfig, "validate_config", fmt.Sprintf("unknown network %q", c.Network))
}
