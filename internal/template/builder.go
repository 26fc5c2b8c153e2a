// Package template builds stratum jobs from getblocktemplate results: the
// split coinbase, the merkle branch, and header and block serialization.
package template

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompcore/internal/algo"
	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/internal/nonce"
	"github.com/bardlex/gompcore/pkg/errors"
)

const (
	// DefaultExtraNonce2Size is the miner-controlled extranonce width.
	DefaultExtraNonce2Size = 4
	DefaultSignature       = "/gompcore/"

	maxScriptSigSize = 100
)

// Recipient receives a fixed share of every block reward.
type Recipient struct {
	Address string
	Percent float64
}

// Options configures a Builder.
type Options struct {
	Params      *chaincfg.Params
	PoolAddress string
	Recipients  []Recipient
	// Signature is appended to the coinbase scriptSig after the extranonce.
	Signature       string
	ExtraNonce2Size int
}

type payee struct {
	script  []byte
	percent float64
}

// Builder turns templates into jobs. It is immutable after construction and
// safe for concurrent use.
type Builder struct {
	params     *chaincfg.Params
	poolScript []byte
	payees     []payee
	signature  []byte
	en2Size    int
}

// NewBuilder decodes the pool and recipient addresses for opts.Params.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Params == nil {
		opts.Params = &chaincfg.MainNetParams
	}
	if opts.ExtraNonce2Size <= 0 {
		opts.ExtraNonce2Size = DefaultExtraNonce2Size
	}
	if opts.Signature == "" {
		opts.Signature = DefaultSignature
	}

	poolScript, err := addressScript(opts.PoolAddress, opts.Params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "template_builder", "invalid pool address").
			WithContext("address", opts.PoolAddress)
	}

	b := &Builder{
		params:     opts.Params,
		poolScript: poolScript,
		signature:  []byte(opts.Signature),
		en2Size:    opts.ExtraNonce2Size,
	}

	var total float64
	for _, r := range opts.Recipients {
		if r.Percent <= 0 {
			return nil, errors.New(errors.ErrorTypeConfig, "template_builder", "recipient percent must be positive").
				WithContext("address", r.Address)
		}
		script, err := addressScript(r.Address, opts.Params)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "template_builder", "invalid recipient address").
				WithContext("address", r.Address)
		}
		total += r.Percent
		b.payees = append(b.payees, payee{script: script, percent: r.Percent})
	}
	if total >= 100 {
		return nil, errors.New(errors.ErrorTypeConfig, "template_builder", "recipients take the whole reward").
			WithContext("percent", total)
	}

	return b, nil
}

func addressScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// ExtraNonce2Size is the extranonce2 width of every job this builder makes.
func (b *Builder) ExtraNonce2Size() int {
	return b.en2Size
}

// Build implements jobs.Builder.
func (b *Builder) Build(jobID string, tpl *jobs.Template) (jobs.Job, error) {
	return b.build(jobID, tpl)
}

func (b *Builder) build(jobID string, tpl *jobs.Template) (*Job, error) {
	prevHash, err := chainhash.NewHashFromStr(tpl.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previous block hash: %w", err)
	}

	bits, err := strconv.ParseUint(tpl.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", tpl.Bits, err)
	}

	target, err := jobTarget(tpl.Target, uint32(bits))
	if err != nil {
		return nil, err
	}

	coinb1, coinb2, witness, err := b.coinbase(tpl)
	if err != nil {
		return nil, err
	}

	txids := make([][]byte, len(tpl.Transactions))
	txData := make([][]byte, len(tpl.Transactions))
	for i, tx := range tpl.Transactions {
		id := tx.TxID
		if id == "" {
			id = tx.Hash
		}
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, fmt.Errorf("invalid txid at %d: %w", i, err)
		}
		txids[i] = h[:]
		if txData[i], err = hex.DecodeString(tx.Data); err != nil {
			return nil, fmt.Errorf("invalid transaction data at %d: %w", i, err)
		}
	}

	return &Job{
		id:           jobID,
		tpl:          tpl,
		target:       target,
		difficulty:   difficulty(target),
		en1Size:      nonce.Size,
		en2Size:      b.en2Size,
		coinb1:       coinb1,
		coinb2:       coinb2,
		witness:      witness,
		merkleBranch: merkleBranch(txids),
		prevHash:     *prevHash,
		version:      tpl.Version,
		bits:         uint32(bits),
		txData:       txData,
		submits:      make(map[string]struct{}),
	}, nil
}

// coinbase serializes the coinbase without witness data and splits it around
// the extranonce placeholder.
func (b *Builder) coinbase(tpl *jobs.Template) (coinb1, coinb2 []byte, witness bool, err error) {
	prefix, err := txscript.NewScriptBuilder().AddInt64(tpl.Height).Script()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to create height script: %w", err)
	}
	if tpl.CoinbaseAux.Flags != "" {
		flags, err := hex.DecodeString(tpl.CoinbaseAux.Flags)
		if err != nil {
			return nil, nil, false, fmt.Errorf("invalid coinbase flags: %w", err)
		}
		prefix = append(prefix, flags...)
	}

	placeholder := make([]byte, nonce.Size+b.en2Size)
	scriptSig := bytes.Join([][]byte{prefix, placeholder, b.signature}, nil)
	if len(scriptSig) > maxScriptSigSize {
		return nil, nil, false, fmt.Errorf("coinbase script is %d bytes, limit %d", len(scriptSig), maxScriptSigSize)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  scriptSig,
		Sequence:         wire.MaxTxInSequenceNum,
	})

	remaining := tpl.CoinbaseValue
	for _, p := range b.payees {
		value := int64(float64(tpl.CoinbaseValue) * p.percent / 100)
		remaining -= value
		tx.AddTxOut(wire.NewTxOut(value, p.script))
	}
	tx.AddTxOut(wire.NewTxOut(remaining, b.poolScript))

	if tpl.DefaultWitnessCommitment != "" {
		commitment, err := hex.DecodeString(tpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, nil, false, fmt.Errorf("invalid witness commitment: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, commitment))
		witness = true
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, nil, false, fmt.Errorf("failed to serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version, input count, outpoint, script length, then the scriptSig.
	split := 4 + wire.VarIntSerializeSize(1) + chainhash.HashSize + 4 +
		wire.VarIntSerializeSize(uint64(len(scriptSig))) + len(prefix)
	coinb1 = append([]byte(nil), raw[:split]...)
	coinb2 = append([]byte(nil), raw[split+len(placeholder):]...)
	return coinb1, coinb2, witness, nil
}

// jobTarget prefers the template target and falls back to the compact bits.
func jobTarget(hexTarget string, bits uint32) (*big.Int, error) {
	if hexTarget == "" {
		target := blockchain.CompactToBig(bits)
		if target.Sign() <= 0 {
			return nil, fmt.Errorf("invalid compact target %08x", bits)
		}
		return target, nil
	}
	target, ok := new(big.Int).SetString(strings.TrimPrefix(hexTarget, "0x"), 16)
	if !ok || target.Sign() <= 0 {
		return nil, fmt.Errorf("invalid target %q", hexTarget)
	}
	return target, nil
}

// difficulty is diff1 / target.
func difficulty(target *big.Int) float64 {
	q := new(big.Float).Quo(new(big.Float).SetInt(algo.Diff1()), new(big.Float).SetInt(target))
	d, _ := q.Float64()
	return d
}
