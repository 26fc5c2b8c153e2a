// Package jobs owns the pool's job lifecycle: it turns block templates into
// miner-facing jobs, tracks which jobs are still submittable and validates
// shares against them.
package jobs

import "math/big"

// Template is a getblocktemplate snapshot (BIP22/BIP23 fields).
type Template struct {
	Bits                     string        `json:"bits"`
	CurTime                  int64         `json:"curtime"`
	Height                   int64         `json:"height"`
	MinTime                  int64         `json:"mintime"`
	Target                   string        `json:"target"`
	Version                  int32         `json:"version"`
	PreviousBlockHash        string        `json:"previousblockhash"`
	CoinbaseValue            int64         `json:"coinbasevalue"`
	DefaultWitnessCommitment string        `json:"default_witness_commitment,omitempty"`
	LongPollID               string        `json:"longpollid,omitempty"`
	Transactions             []TemplateTx  `json:"transactions"`
	CoinbaseAux              TemplateCBAux `json:"coinbaseaux"`
	Rules                    []string      `json:"rules,omitempty"`
}

type TemplateTx struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Hash string `json:"hash"`
}

type TemplateCBAux struct {
	Flags string `json:"flags"`
}

// Work holds the mining.notify fields of a job.
type Work struct {
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
}

// Job is one unit of work offered to miners. Identity and target never
// change after construction; only the duplicate registry grows.
type Job interface {
	ID() string
	Template() *Template
	ExtraNonce2Size() int
	Target() *big.Int
	Difficulty() float64
	Work() Work

	// RegisterSubmit records the share tuple and reports false if it was
	// already present. Check and insert happen atomically.
	RegisterSubmit(extraNonce1, extraNonce2, nTime, nonce string) bool
	SerializeHeader(extraNonce1, extraNonce2, nTime, nonce string) ([]byte, error)
	// SerializeBlock assembles the full block for a header returned by
	// SerializeHeader with the same extranonces.
	SerializeBlock(header []byte, extraNonce1, extraNonce2 string) ([]byte, error)
}

// Builder constructs jobs from templates.
type Builder interface {
	Build(jobID string, tpl *Template) (Job, error)
}
