package database

import (
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

type fakeStore struct {
	mu       sync.Mutex
	shares   []*postgres.Share
	blocks   []*postgres.Block
	failures int
}

func (s *fakeStore) CreateShare(_ context.Context, share *postgres.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return stderrors.New("connection refused")
	}
	s.shares = append(s.shares, share)
	return nil
}

func (s *fakeStore) CreateBlock(_ context.Context, block *postgres.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, block)
	return nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	shares int
	jobs   []string
}

func (m *fakeMetrics) WriteShare(*jobs.ShareEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares++
}

func (m *fakeMetrics) WriteJob(jobID string, _ int64, _ float64, _ bool, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, jobID)
}

type fakeCache struct {
	mu       sync.Mutex
	current  *redis.JobSnapshot
	counters map[string]int64
}

func (c *fakeCache) SetCurrentJob(_ context.Context, snap *redis.JobSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = snap
	return nil
}

func (c *fakeCache) IncrementWorkerShares(_ context.Context, worker string, accepted bool, reason string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := worker + ":rejected:" + reason
	if accepted {
		key = worker + ":accepted"
	}
	c.counters[key]++
	return c.counters[key], nil
}

type testJob struct {
	id     string
	height int64
}

func (j testJob) ID() string               { return j.id }
func (j testJob) ExtraNonce2Size() int     { return 4 }
func (j testJob) Target() *big.Int         { return big.NewInt(1) }
func (j testJob) Difficulty() float64      { return 3 }
func (j testJob) Work() jobs.Work          { return jobs.Work{} }
func (j testJob) Template() *jobs.Template { return &jobs.Template{Height: j.height, PreviousBlockHash: "00ff"} }

func (j testJob) RegisterSubmit(_, _, _, _ string) bool {
	return true
}

func (j testJob) SerializeHeader(_, _, _, _ string) ([]byte, error) {
	return nil, nil
}

func (j testJob) SerializeBlock(_ []byte, _, _ string) ([]byte, error) {
	return nil, nil
}

func drain(t *testing.T, r *Recorder) {
	t.Helper()
	r.Drain(context.Background())
}

func TestRecorderWritesAllSinks(t *testing.T) {
	store := &fakeStore{}
	metrics := &fakeMetrics{}
	cache := &fakeCache{counters: make(map[string]int64)}
	r := NewRecorder(Sinks{Store: store, Metrics: metrics, Cache: cache}, 16, log.Nop())
	r.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	r.OnNewBlock(testJob{id: "1", height: 100})
	r.OnUpdatedBlock(testJob{id: "2", height: 100}, false)
	r.OnShare(&jobs.ShareEvent{JobID: "2", Worker: "w1", Difficulty: 8, ShareDiff: "9.50000000", Height: 100}, "")
	r.OnShare(&jobs.ShareEvent{JobID: "2", Worker: "w1", Difficulty: 8, ShareDiff: "12", Height: 100, BlockHash: "00aa", BlockReward: 625}, "cafe")
	r.OnShare(&jobs.ShareEvent{JobID: "9", Worker: "w1", Error: "Job not found"}, "")
	drain(t, r)

	if len(store.shares) != 2 {
		t.Fatalf("stored shares = %d, want 2", len(store.shares))
	}
	if got := store.shares[0].ShareDiff; got != 9.5 {
		t.Errorf("ShareDiff = %v, want 9.5", got)
	}
	if !store.shares[1].BlockHash.Valid || store.shares[1].BlockHash.String != "00aa" {
		t.Errorf("block share hash = %+v", store.shares[1].BlockHash)
	}
	if len(store.blocks) != 1 {
		t.Fatalf("stored blocks = %d, want 1", len(store.blocks))
	}
	if b := store.blocks[0]; b.BlockHex != "cafe" || b.Reward != 625 || b.Status != postgres.BlockPending {
		t.Errorf("block = %+v", b)
	}

	if metrics.shares != 3 {
		t.Errorf("share points = %d, want 3", metrics.shares)
	}
	if len(metrics.jobs) != 2 || metrics.jobs[1] != "2" {
		t.Errorf("job points = %v", metrics.jobs)
	}

	if cache.current == nil || cache.current.JobID != "2" || cache.current.CleanJobs {
		t.Fatalf("current job = %+v", cache.current)
	}
	if cache.current.PrevHash != "00ff" || !cache.current.UpdatedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("current job = %+v", cache.current)
	}
	if cache.counters["w1:accepted"] != 2 || cache.counters["w1:rejected:Job not found"] != 1 {
		t.Errorf("counters = %v", cache.counters)
	}
}

func TestRecorderNewBlockIsClean(t *testing.T) {
	cache := &fakeCache{counters: make(map[string]int64)}
	r := NewRecorder(Sinks{Cache: cache}, 4, log.Nop())

	r.OnNewBlock(testJob{id: "5", height: 7})
	drain(t, r)

	if cache.current == nil || !cache.current.CleanJobs || cache.current.Height != 7 {
		t.Errorf("current job = %+v", cache.current)
	}
}

func TestRecorderRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failures: 1}
	r := NewRecorder(Sinks{Store: store}, 4, log.Nop())
	r.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	r.OnShare(&jobs.ShareEvent{JobID: "1", Worker: "w", ShareDiff: "1"}, "")
	drain(t, r)

	if len(store.shares) != 1 {
		t.Errorf("stored shares = %d, want 1 after retry", len(store.shares))
	}
}

func TestRecorderRun(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(Sinks{Store: store}, 4, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.OnShare(&jobs.ShareEvent{JobID: "1", Worker: "w", ShareDiff: "1"}, "")
	deadline := time.Now().Add(5 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.shares)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the share to be stored")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !stderrors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRecorderWithoutSinks(t *testing.T) {
	r := NewRecorder(Sinks{}, 4, log.Nop())
	r.OnNewBlock(testJob{id: "1"})
	r.OnShare(&jobs.ShareEvent{JobID: "1", Worker: "w", BlockHash: "00"}, "00")
	drain(t, r)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := NewRecorder(Sinks{}, 2, log.Nop())
	for range 5 {
		r.OnShare(&jobs.ShareEvent{JobID: "1"}, "")
	}
	if r.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", r.Dropped())
	}
}

func TestManagerSinksSkipsMissingStores(t *testing.T) {
	m := &Manager{}
	s := m.Sinks()
	if s.Store != nil || s.Metrics != nil || s.Cache != nil {
		t.Errorf("Sinks() = %+v, want all nil", s)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	cfg := &Config{}
	if !cfg.Empty() {
		t.Error("Empty() = false for zero config")
	}
	cfg.Redis = &redis.Config{URL: "redis://localhost:6379/0"}
	if cfg.Empty() {
		t.Error("Empty() = true with redis configured")
	}
}
