package jobs

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gompcore/internal/algo"
	"github.com/bardlex/gompcore/internal/nonce"
	"github.com/bardlex/gompcore/pkg/log"
)

var testNow = time.Unix(1_700_000_000, 0)

// stubJob implements Job with a header made of the concatenated share fields.
type stubJob struct {
	id         string
	tpl        *Template
	target     *big.Int
	difficulty float64
	en2Size    int

	mu      sync.Mutex
	submits map[string]struct{}
}

func (j *stubJob) ID() string           { return j.id }
func (j *stubJob) Template() *Template  { return j.tpl }
func (j *stubJob) ExtraNonce2Size() int { return j.en2Size }
func (j *stubJob) Target() *big.Int     { return j.target }
func (j *stubJob) Difficulty() float64  { return j.difficulty }
func (j *stubJob) Work() Work           { return Work{} }

func (j *stubJob) RegisterSubmit(en1, en2, nTime, nonce string) bool {
	key := en1 + en2 + nTime + nonce
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.submits[key]; ok {
		return false
	}
	j.submits[key] = struct{}{}
	return true
}

func (j *stubJob) SerializeHeader(en1, en2, nTime, nonce string) ([]byte, error) {
	return []byte(en1 + en2 + nTime + nonce), nil
}

func (j *stubJob) SerializeBlock(header []byte, _, _ string) ([]byte, error) {
	return append([]byte("block:"), header...), nil
}

type stubBuilder struct {
	target     *big.Int
	difficulty float64
	en2Size    int
	err        error
}

func (b *stubBuilder) Build(id string, tpl *Template) (Job, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &stubJob{
		id:         id,
		tpl:        tpl,
		target:     b.target,
		difficulty: b.difficulty,
		en2Size:    b.en2Size,
		submits:    make(map[string]struct{}),
	}, nil
}

// stubHasher returns whatever digest is currently set.
type stubHasher struct {
	mu     sync.Mutex
	digest []byte
	calls  int
}

func (h *stubHasher) set(v *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.digest = digestFor(v)
}

func (h *stubHasher) hash(_ []byte, _ uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.digest == nil {
		return nil, errors.New("no digest configured")
	}
	return h.digest, nil
}

// digestFor encodes v as a 32-byte little-endian digest.
func digestFor(v *big.Int) []byte {
	be := v.FillBytes(make([]byte, 32))
	le := make([]byte, 32)
	for i := range be {
		le[31-i] = be[i]
	}
	return le
}

// leHex encodes a timestamp the way miners submit nTime.
func leHex(ts uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], ts)
	return hex.EncodeToString(b[:])
}

type recorder struct {
	mu       sync.Mutex
	updated  []Job
	flags    []bool
	newBlock []Job
	shares   []*ShareEvent
	blocks   []string
}

func (r *recorder) OnUpdatedBlock(job Job, isNewBlock bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, job)
	r.flags = append(r.flags, isNewBlock)
}

func (r *recorder) OnNewBlock(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newBlock = append(r.newBlock, job)
}

func (r *recorder) OnShare(ev *ShareEvent, blockHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shares = append(r.shares, ev)
	r.blocks = append(r.blocks, blockHex)
}

func (r *recorder) lastShare(t *testing.T) (*ShareEvent, string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.shares) == 0 {
		t.Fatal("no share event emitted")
	}
	return r.shares[len(r.shares)-1], r.blocks[len(r.blocks)-1]
}

type fixture struct {
	mgr     *Manager
	builder *stubBuilder
	hasher  *stubHasher
	events  *recorder
}

func newFixture(t *testing.T, multiplier float64) *fixture {
	t.Helper()
	f := &fixture{
		builder: &stubBuilder{target: big.NewInt(1), difficulty: 1000, en2Size: 4},
		hasher:  &stubHasher{},
		events:  &recorder{},
	}
	mgr, err := NewManager(Config{
		Builder:     f.builder,
		Hasher:      &algo.Provider{Name: "stub", Hash: f.hasher.hash, Multiplier: multiplier},
		Nonces:      nonce.New(1),
		Policy:      DefaultPolicy(),
		HashWorkers: 4,
	}, log.Nop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	mgr.now = func() time.Time { return testNow }
	mgr.Subscribe(f.events)
	f.mgr = mgr
	return f
}

func testTemplate(prevHash string, height int64) *Template {
	return &Template{
		PreviousBlockHash: prevHash,
		Height:            height,
		MinTime:           testNow.Unix() - 600,
		CurTime:           testNow.Unix(),
		CoinbaseValue:     312500000,
		Bits:              "1d00ffff",
		Version:           0x20000000,
	}
}

// adopt feeds a first template and returns the resulting job id.
func (f *fixture) adopt(t *testing.T) string {
	t.Helper()
	ok, err := f.mgr.ProcessTemplate(testTemplate("aa", 100))
	if err != nil || !ok {
		t.Fatalf("ProcessTemplate() = %v, %v", ok, err)
	}
	return f.mgr.CurrentJob().ID()
}

func (f *fixture) submission(jobID string) *Submission {
	return &Submission{
		JobID:       jobID,
		Difficulty:  1,
		ExtraNonce1: "08000000",
		ExtraNonce2: "00000001",
		NTime:       leHex(uint32(testNow.Unix())),
		Nonce:       "deadbeef",
		IP:          "203.0.113.7",
		Port:        3333,
		Worker:      "bc1qminer.rig1",
	}
}
