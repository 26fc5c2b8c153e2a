// Package bitcoin talks to the coin daemon: getblocktemplate and submitblock
// over JSON-RPC, and block notifications over ZMQ.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/bytedance/sonic"

	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/pkg/circuit"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/retry"
)

// rawCaller is the part of *rpcclient.Client the pool uses. Daemons for
// other coins share the wire format but not btcd's typed results, so every
// call goes through RawRequest.
type rawCaller interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

// RPCConfig holds the daemon connection settings.
type RPCConfig struct {
	Host     string
	User     string
	Password string
}

// RPCClient issues the daemon calls the job manager needs, guarded by a
// circuit breaker and retries.
type RPCClient struct {
	client         rawCaller
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config
}

// templateRequest is the getblocktemplate argument.
var templateRequest = json.RawMessage(`{"capabilities":["coinbasetxn","workid","coinbase/append"],"rules":["segwit"]}`)

// NewRPCClient creates an HTTP POST mode client. No connection is made
// until the first call.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create RPC client").
			WithContext("host", cfg.Host)
	}

	return newRPCClient(client), nil
}

func newRPCClient(client rawCaller) *RPCClient {
	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "bitcoin_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig:  retry.RPCConfig(),
		submitConfig: retry.SubmitConfig(),
	}
}

// Close shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate fetches a segwit block template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*jobs.Template, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*jobs.Template, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*jobs.Template, error) {
			raw, err := c.client.RawRequest("getblocktemplate", []json.RawMessage{templateRequest})
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_template",
					"failed to retrieve block template")
			}

			tpl := &jobs.Template{}
			if err := sonic.Unmarshal(raw, tpl); err != nil {
				se := errors.Wrap(err, errors.ErrorTypeValidation, "get_block_template",
					"failed to decode block template").
					WithContext("size", len(raw))
				se.Retryable = false
				return nil, se
			}
			return tpl, nil
		})
	})
}

// GetBlockCount returns the daemon's chain height.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			raw, err := c.client.RawRequest("getblockcount", nil)
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_count",
					"failed to retrieve current block height")
			}
			var count int64
			if err := sonic.Unmarshal(raw, &count); err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeValidation, "get_block_count",
					"failed to decode block height")
			}
			return count, nil
		})
	})
}

// SubmitBlock hands a solved block to the daemon. A rejection reason from
// the daemon is returned as a non-retryable bitcoin error.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_validation",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_deserialization",
			"failed to deserialize block data").
			WithContext("block_size", len(blockBytes))
	}
	blockHash := block.BlockHash().String()

	param, err := sonic.Marshal(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "submit_block", "failed to encode block")
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.submitConfig, func() error {
			raw, err := c.client.RawRequest("submitblock", []json.RawMessage{param})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block",
					"failed to submit block").
					WithContext("block_hash", blockHash)
			}
			if reason := submitRejection(raw); reason != "" {
				se := errors.New(errors.ErrorTypeBitcoin, "submit_block", "block rejected: "+reason).
					WithContext("block_hash", blockHash).
					WithContext("reason", reason)
				se.Retryable = false
				return se
			}
			return nil
		})
	})
}

// submitRejection returns the daemon's reject reason, or "" for a null
// result. "duplicate" means the block is already known and counts as
// success.
func submitRejection(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var reason string
	if err := sonic.Unmarshal(trimmed, &reason); err != nil {
		return string(trimmed)
	}
	if reason == "duplicate" {
		return ""
	}
	return reason
}

// Ping tests the connection to the daemon.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if _, err := c.client.RawRequest("getblockcount", nil); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"daemon connectivity check failed")
			}
			return nil
		})
	})
}
