package template

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/pkg/errors"
)

const (
	poolAddress      = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	recipientAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	// Display-order hash of the bytes 0x00..0x1f.
	prevHashHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

func newTestBuilder(t *testing.T, recipients ...Recipient) *Builder {
	t.Helper()
	b, err := NewBuilder(Options{
		Params:      &chaincfg.MainNetParams,
		PoolAddress: poolAddress,
		Recipients:  recipients,
	})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

func baseTemplate() *jobs.Template {
	return &jobs.Template{
		Version:           0x20000000,
		PreviousBlockHash: prevHashHex,
		Height:            840000,
		CurTime:           1_700_000_000,
		MinTime:           1_699_999_000,
		Bits:              "1d00ffff",
		CoinbaseValue:     312_500_000,
		CoinbaseAux:       jobs.TemplateCBAux{Flags: "0a0b"},
	}
}

func buildJob(t *testing.T, b *Builder, tpl *jobs.Template) *Job {
	t.Helper()
	job, err := b.build("1", tpl)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	return job
}

// decodeCoinbase parses coinb1 + extranonces + coinb2.
func decodeCoinbase(t *testing.T, job *Job, en1, en2 string) (*wire.MsgTx, []byte) {
	t.Helper()
	raw, err := job.coinbaseTx(en1, en2)
	if err != nil {
		t.Fatalf("coinbaseTx() error = %v", err)
	}
	var tx wire.MsgTx
	if err := tx.DeserializeNoWitness(bytes.NewReader(raw)); err != nil {
		t.Fatalf("coinbase does not decode: %v", err)
	}
	return &tx, raw
}

func TestNewBuilderValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"bad pool address", Options{PoolAddress: "not-an-address"}},
		{"testnet address on mainnet", Options{PoolAddress: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn"}},
		{"bad recipient", Options{PoolAddress: poolAddress, Recipients: []Recipient{{Address: "x", Percent: 1}}}},
		{"zero percent", Options{PoolAddress: poolAddress, Recipients: []Recipient{{Address: recipientAddress}}}},
		{"whole reward", Options{PoolAddress: poolAddress, Recipients: []Recipient{{Address: recipientAddress, Percent: 100}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(tt.opts)
			if !errors.IsType(err, errors.ErrorTypeConfig) {
				t.Fatalf("NewBuilder() error = %v, want config error", err)
			}
		})
	}

	b := newTestBuilder(t)
	if b.ExtraNonce2Size() != DefaultExtraNonce2Size {
		t.Errorf("ExtraNonce2Size() = %d", b.ExtraNonce2Size())
	}
}

func TestCoinbaseSplit(t *testing.T) {
	b := newTestBuilder(t, Recipient{Address: recipientAddress, Percent: 1.5})
	job := buildJob(t, b, baseTemplate())

	tx, _ := decodeCoinbase(t, job, "08000001", "cafebabe")

	if len(tx.TxIn) != 1 || tx.TxIn[0].PreviousOutPoint.Index != wire.MaxPrevOutIndex {
		t.Fatalf("coinbase input = %+v", tx.TxIn)
	}
	script := tx.TxIn[0].SignatureScript
	// 840000 = 0x0cd140, pushed as 3 little-endian bytes.
	wantPrefix := []byte{0x03, 0x40, 0xd1, 0x0c, 0x0a, 0x0b, 0x08, 0x00, 0x00, 0x01, 0xca, 0xfe, 0xba, 0xbe}
	if !bytes.HasPrefix(script, wantPrefix) {
		t.Errorf("scriptSig = %x, want prefix %x", script, wantPrefix)
	}
	if !bytes.HasSuffix(script, []byte(DefaultSignature)) {
		t.Errorf("scriptSig %x lacks pool signature", script)
	}

	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want recipient and pool", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 4_687_500 || tx.TxOut[1].Value != 312_500_000-4_687_500 {
		t.Errorf("output values = %d, %d", tx.TxOut[0].Value, tx.TxOut[1].Value)
	}
	if !bytes.Equal(tx.TxOut[1].PkScript, b.poolScript) {
		t.Error("last output does not pay the pool")
	}
}

func TestWitnessCommitment(t *testing.T) {
	commitment := "6a24aa21a9ed" + strings.Repeat("11", 32)
	tpl := baseTemplate()
	tpl.DefaultWitnessCommitment = commitment
	job := buildJob(t, newTestBuilder(t), tpl)

	tx, _ := decodeCoinbase(t, job, "00000000", "00000000")
	last := tx.TxOut[len(tx.TxOut)-1]
	if last.Value != 0 || hex.EncodeToString(last.PkScript) != commitment {
		t.Errorf("commitment output = %d %x", last.Value, last.PkScript)
	}

	header, err := job.SerializeHeader("00000000", "00000000", "00f15365", "00000000")
	if err != nil {
		t.Fatal(err)
	}
	block, err := job.SerializeBlock(header, "00000000", "00000000")
	if err != nil {
		t.Fatal(err)
	}
	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(block)); err != nil {
		t.Fatalf("block does not decode: %v", err)
	}
	wit := msg.Transactions[0].TxIn[0].Witness
	if len(wit) != 1 || !bytes.Equal(wit[0], make([]byte, 32)) {
		t.Errorf("coinbase witness = %x, want reserved value", wit)
	}
}

func TestSerializeHeader(t *testing.T) {
	job := buildJob(t, newTestBuilder(t), baseTemplate())

	header, err := job.SerializeHeader("08000000", "00000001", "00f15365", "deadbeef")
	if err != nil {
		t.Fatalf("SerializeHeader() error = %v", err)
	}
	if len(header) != 80 {
		t.Fatalf("header length = %d", len(header))
	}

	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(header)); err != nil {
		t.Fatalf("header does not decode: %v", err)
	}
	if h.Version != 0x20000000 || h.Bits != 0x1d00ffff {
		t.Errorf("version=%x bits=%x", h.Version, h.Bits)
	}
	if h.PrevBlock.String() != prevHashHex {
		t.Errorf("prev block = %s", h.PrevBlock)
	}
	if h.Timestamp.Unix() != 1_700_000_000 || h.Nonce != 0xefbeadde {
		t.Errorf("timestamp=%d nonce=%x", h.Timestamp.Unix(), h.Nonce)
	}

	_, raw := decodeCoinbase(t, job, "08000000", "00000001")
	if !bytes.Equal(h.MerkleRoot[:], chainhash.DoubleHashB(raw)) {
		t.Error("merkle root of a coinbase-only block must be the coinbase txid")
	}

	for _, bad := range [][4]string{
		{"080000", "00000001", "00f15365", "deadbeef"},
		{"08000000", "0001", "00f15365", "deadbeef"},
		{"08000000", "00000001", "zz", "deadbeef"},
		{"08000000", "00000001", "00f15365", "deadbeeg"},
	} {
		if _, err := job.SerializeHeader(bad[0], bad[1], bad[2], bad[3]); err == nil {
			t.Errorf("SerializeHeader(%v) succeeded", bad)
		}
	}
}

func TestSerializeBlock(t *testing.T) {
	tpl := baseTemplate()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	tpl.Transactions = []jobs.TemplateTx{{Data: hex.EncodeToString(buf.Bytes()), TxID: tx.TxHash().String()}}

	job := buildJob(t, newTestBuilder(t), tpl)
	header, err := job.SerializeHeader("08000000", "00000001", "00f15365", "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	block, err := job.SerializeBlock(header, "08000000", "00000001")
	if err != nil {
		t.Fatalf("SerializeBlock() error = %v", err)
	}

	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(block)); err != nil {
		t.Fatalf("block does not decode: %v", err)
	}
	if len(msg.Transactions) != 2 || msg.Transactions[1].TxHash() != tx.TxHash() {
		t.Fatalf("block transactions = %d", len(msg.Transactions))
	}
	coinbaseHash, txHash := msg.Transactions[0].TxHash(), tx.TxHash()
	root := chainhash.DoubleHashH(append(coinbaseHash.CloneBytes(), txHash.CloneBytes()...))
	if msg.Header.MerkleRoot != root {
		t.Errorf("merkle root = %s, want %s", msg.Header.MerkleRoot, root)
	}

	if _, err := job.SerializeBlock(header[:79], "08000000", "00000001"); err == nil {
		t.Error("SerializeBlock() accepted a short header")
	}
}

func TestMerkleBranch(t *testing.T) {
	hash := func(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }
	join := func(a, b []byte) []byte { return chainhash.DoubleHashB(append(append([]byte{}, a...), b...)) }

	t1, t2, t3, t4 := hash(1), hash(2), hash(3), hash(4)
	tests := []struct {
		name string
		txs  [][]byte
		want [][]byte
	}{
		{"empty", nil, nil},
		{"one", [][]byte{t1}, [][]byte{t1}},
		{"two", [][]byte{t1, t2}, [][]byte{t1, join(t2, t2)}},
		{"three", [][]byte{t1, t2, t3}, [][]byte{t1, join(t2, t3)}},
		{"four", [][]byte{t1, t2, t3, t4}, [][]byte{t1, join(t2, t3), join(join(t4, t4), join(t4, t4))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := merkleBranch(tt.txs)
			if len(got) != len(tt.want) {
				t.Fatalf("branch length = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("branch[%d] = %x, want %x", i, got[i], tt.want[i])
				}
			}
		})
	}

	// Folding the branch must agree with a full tree over all leaves.
	cb := hash(9)
	root := merkleRoot(cb, merkleBranch([][]byte{t1, t2}))
	want := join(join(cb, t1), join(t2, t2))
	if !bytes.Equal(root, want) {
		t.Errorf("merkleRoot() = %x, want %x", root, want)
	}
}

func TestTargetAndDifficulty(t *testing.T) {
	b := newTestBuilder(t)

	job := buildJob(t, b, baseTemplate())
	if job.Difficulty() != 1 {
		t.Errorf("difficulty from bits 1d00ffff = %v, want 1", job.Difficulty())
	}

	tpl := baseTemplate()
	tpl.Target = "0000000000000000ffff00000000000000000000000000000000000000000000"
	job = buildJob(t, b, tpl)
	want, _ := new(big.Int).SetString("ffff00000000000000000000000000000000000000000000", 16)
	if job.Target().Cmp(want) != 0 {
		t.Errorf("target = %x", job.Target())
	}
	if job.Difficulty() != 1<<32 {
		t.Errorf("difficulty = %v, want 2^32", job.Difficulty())
	}

	job.Target().SetInt64(0)
	if job.Target().Sign() == 0 {
		t.Error("Target() exposes internal state")
	}

	for _, mutate := range []func(*jobs.Template){
		func(tpl *jobs.Template) { tpl.Target = "xyz" },
		func(tpl *jobs.Template) { tpl.Bits = "nothex" },
		func(tpl *jobs.Template) { tpl.Bits = "00000000" },
		func(tpl *jobs.Template) { tpl.PreviousBlockHash = "abc" + strings.Repeat("0", 70) },
		func(tpl *jobs.Template) { tpl.CoinbaseAux.Flags = "zz" },
		func(tpl *jobs.Template) { tpl.Transactions = []jobs.TemplateTx{{Data: "zz", TxID: prevHashHex}} },
	} {
		tpl := baseTemplate()
		mutate(tpl)
		if _, err := b.Build("1", tpl); err == nil {
			t.Errorf("Build() accepted %+v", tpl)
		}
	}
}

func TestRegisterSubmit(t *testing.T) {
	job := buildJob(t, newTestBuilder(t), baseTemplate())

	if !job.RegisterSubmit("08000000", "00000001", "00f15365", "deadbeef") {
		t.Fatal("first submit reported duplicate")
	}
	if job.RegisterSubmit("08000000", "00000001", "00F15365", "DEADBEEF") {
		t.Error("upper-case resubmission not detected")
	}
	if !job.RegisterSubmit("08000000", "00000002", "00f15365", "deadbeef") {
		t.Error("different extranonce2 reported duplicate")
	}
}

func TestWork(t *testing.T) {
	job := buildJob(t, newTestBuilder(t), baseTemplate())
	w := job.Work()

	if !strings.HasPrefix(w.PrevHash, "1c1d1e1f18191a1b") || !strings.HasSuffix(w.PrevHash, "00010203") {
		t.Errorf("PrevHash = %s", w.PrevHash)
	}
	if w.Version != "00000020" || w.NBits != "ffff001d" {
		t.Errorf("Version=%s NBits=%s", w.Version, w.NBits)
	}
	var ntime [4]byte
	binary.LittleEndian.PutUint32(ntime[:], 1_700_000_000)
	if w.NTime != hex.EncodeToString(ntime[:]) {
		t.Errorf("NTime = %s", w.NTime)
	}
	if len(w.MerkleBranch) != 0 {
		t.Errorf("MerkleBranch = %v", w.MerkleBranch)
	}
	if w.Coinb1 == "" || w.Coinb2 == "" {
		t.Error("coinbase halves missing")
	}
}
