package template

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sasha-s/go-deadlock"

	"github.com/bardlex/gompcore/internal/jobs"
)

const headerSize = 80

// Job is a jobs.Job backed by a split coinbase.
type Job struct {
	id         string
	tpl        *jobs.Template
	target     *big.Int
	difficulty float64
	en1Size    int
	en2Size    int

	coinb1       []byte
	coinb2       []byte
	witness      bool
	merkleBranch [][]byte
	prevHash     chainhash.Hash
	version      int32
	bits         uint32
	txData       [][]byte

	mu      deadlock.Mutex
	submits map[string]struct{}
}

var _ jobs.Job = (*Job)(nil)

func (j *Job) ID() string               { return j.id }
func (j *Job) Template() *jobs.Template { return j.tpl }
func (j *Job) ExtraNonce2Size() int     { return j.en2Size }
func (j *Job) Difficulty() float64      { return j.difficulty }
func (j *Job) Target() *big.Int         { return new(big.Int).Set(j.target) }

// RegisterSubmit records the share tuple. Hex case is not significant.
func (j *Job) RegisterSubmit(extraNonce1, extraNonce2, nTime, nonce string) bool {
	key := strings.ToLower(extraNonce1 + extraNonce2 + nTime + nonce)
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.submits[key]; ok {
		return false
	}
	j.submits[key] = struct{}{}
	return true
}

// Work renders the mining.notify fields. Version, bits and time are hex of
// the bytes as they appear in the header, which is also how miners return
// nTime.
func (j *Job) Work() jobs.Work {
	var version, bits, ntime [4]byte
	binary.LittleEndian.PutUint32(version[:], uint32(j.version))
	binary.LittleEndian.PutUint32(bits[:], j.bits)
	binary.LittleEndian.PutUint32(ntime[:], uint32(j.tpl.CurTime))

	branch := make([]string, len(j.merkleBranch))
	for i, h := range j.merkleBranch {
		branch[i] = hex.EncodeToString(h)
	}

	return jobs.Work{
		PrevHash:     stratumPrevHash(j.prevHash),
		Coinb1:       hex.EncodeToString(j.coinb1),
		Coinb2:       hex.EncodeToString(j.coinb2),
		MerkleBranch: branch,
		Version:      hex.EncodeToString(version[:]),
		NBits:        hex.EncodeToString(bits[:]),
		NTime:        hex.EncodeToString(ntime[:]),
	}
}

// stratumPrevHash is the internal-order hash with every 32-bit word
// byte-swapped.
func stratumPrevHash(h chainhash.Hash) string {
	var out [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = h[i+3], h[i+2], h[i+1], h[i]
	}
	return hex.EncodeToString(out[:])
}

// coinbaseTx joins the coinbase halves around the miner's extranonces.
func (j *Job) coinbaseTx(extraNonce1, extraNonce2 string) ([]byte, error) {
	en1, err := decodeFixed(extraNonce1, j.en1Size, "extranonce1")
	if err != nil {
		return nil, err
	}
	en2, err := decodeFixed(extraNonce2, j.en2Size, "extranonce2")
	if err != nil {
		return nil, err
	}
	return bytes.Join([][]byte{j.coinb1, en1, en2, j.coinb2}, nil), nil
}

// SerializeHeader builds the 80-byte header. nTime and nonce are copied as
// submitted.
func (j *Job) SerializeHeader(extraNonce1, extraNonce2, nTime, nonce string) ([]byte, error) {
	coinbase, err := j.coinbaseTx(extraNonce1, extraNonce2)
	if err != nil {
		return nil, err
	}
	ntimeBytes, err := decodeFixed(nTime, 4, "ntime")
	if err != nil {
		return nil, err
	}
	nonceBytes, err := decodeFixed(nonce, 4, "nonce")
	if err != nil {
		return nil, err
	}

	root := merkleRoot(doubleSHA256(coinbase), j.merkleBranch)

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(j.version))
	copy(header[4:36], j.prevHash[:])
	copy(header[36:68], root)
	copy(header[68:72], ntimeBytes)
	binary.LittleEndian.PutUint32(header[72:76], j.bits)
	copy(header[76:80], nonceBytes)
	return header, nil
}

// SerializeBlock writes the header, the coinbase for the extranonces and the
// template transactions.
func (j *Job) SerializeBlock(header []byte, extraNonce1, extraNonce2 string) ([]byte, error) {
	if len(header) != headerSize {
		return nil, fmt.Errorf("header is %d bytes, want %d", len(header), headerSize)
	}
	coinbase, err := j.coinbaseTx(extraNonce1, extraNonce2)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(coinbase) + 9)
	buf.Write(header)
	if err := wire.WriteVarInt(&buf, 0, uint64(1+len(j.txData))); err != nil {
		return nil, err
	}
	if j.witness {
		if coinbase, err = withWitnessReserve(coinbase); err != nil {
			return nil, err
		}
	}
	buf.Write(coinbase)
	for _, tx := range j.txData {
		buf.Write(tx)
	}
	return buf.Bytes(), nil
}

// withWitnessReserve re-encodes a legacy coinbase with the 32-byte zero
// witness reserved value BIP141 requires alongside a commitment.
func withWitnessReserve(coinbase []byte) ([]byte, error) {
	var tx wire.MsgTx
	if err := tx.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
		return nil, fmt.Errorf("failed to decode coinbase: %w", err)
	}
	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode coinbase: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFixed(s string, size int, field string) ([]byte, error) {
	if len(s) != size*2 {
		return nil, fmt.Errorf("%s must be %d bytes, got %d hex chars", field, size, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return b, nil
}
