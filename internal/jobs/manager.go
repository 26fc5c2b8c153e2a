package jobs

import (
	"runtime"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"github.com/sasha-s/go-deadlock"

	"github.com/bardlex/gompcore/internal/algo"
	"github.com/bardlex/gompcore/internal/nonce"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
)

// Policy holds the operational share acceptance rules.
type Policy struct {
	// DifficultyTolerance is the lowest shareDiff/difficulty ratio accepted.
	DifficultyTolerance float64
	// AcceptPreviousDifficulty credits an under-difficulty share at the
	// previous difficulty when it meets that, covering shares in flight
	// across a retarget.
	AcceptPreviousDifficulty bool
	// MaxNTimeDrift is how far into the future nTime may be.
	MaxNTimeDrift time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		DifficultyTolerance:      0.99,
		AcceptPreviousDifficulty: true,
		MaxNTimeDrift:            time.Hour,
	}
}

// withDefaults fills each zero field from DefaultPolicy. A zero Policy also
// turns AcceptPreviousDifficulty on; otherwise the flag is taken as given.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p == (Policy{}) {
		return def
	}
	if p.DifficultyTolerance <= 0 {
		p.DifficultyTolerance = def.DifficultyTolerance
	}
	if p.MaxNTimeDrift <= 0 {
		p.MaxNTimeDrift = def.MaxNTimeDrift
	}
	return p
}

// Config wires a Manager.
type Config struct {
	Builder Builder
	Hasher  *algo.Provider
	Nonces  *nonce.Allocator
	Policy  Policy
	// HashWorkers bounds concurrent proof-of-work hashing. Zero means
	// GOMAXPROCS.
	HashWorkers int
}

// Manager tracks the current and still-valid jobs and validates shares. All
// methods are safe for concurrent use.
type Manager struct {
	builder Builder
	hasher  *algo.Provider
	nonces  *nonce.Allocator
	policy  Policy
	seq     Sequencer
	hashers sizedwaitgroup.SizedWaitGroup
	logger  *log.Logger
	now     func() time.Time

	// templateMu serializes template-side operations so a novelty check and
	// the swap it leads to are not interleaved with another poller.
	templateMu deadlock.Mutex

	mu         deadlock.RWMutex
	currentJob Job
	validJobs  map[string]Job
	adoptedAt  time.Time

	listenersMu deadlock.RWMutex
	listeners   []Listener
}

// NewManager validates cfg and returns an idle Manager. A missing builder or
// hash provider is a configuration error.
func NewManager(cfg Config, logger *log.Logger) (*Manager, error) {
	if cfg.Builder == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "job_manager", "job builder is required")
	}
	if cfg.Hasher == nil || cfg.Hasher.Hash == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "job_manager", "hash provider is required")
	}
	if cfg.Nonces == nil {
		cfg.Nonces = nonce.New(0)
	}
	cfg.Policy = cfg.Policy.withDefaults()
	workers := cfg.HashWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	return &Manager{
		builder:   cfg.Builder,
		hasher:    cfg.Hasher,
		nonces:    cfg.Nonces,
		policy:    cfg.Policy,
		hashers:   sizedwaitgroup.New(workers),
		logger:    logger.WithComponent("job_manager"),
		now:       time.Now,
		validJobs: make(map[string]Job),
	}, nil
}

// NextExtraNonce1 allocates the extranonce1 for a new miner connection.
func (m *Manager) NextExtraNonce1() string {
	return m.nonces.Next()
}

// ExtraNonce1Size is the byte width of NextExtraNonce1 values.
func (m *Manager) ExtraNonce1Size() int {
	return nonce.Size
}

// CurrentJob returns the newest job, or nil before the first template.
func (m *Manager) CurrentJob() Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentJob
}

// ValidJob looks up a submittable job.
func (m *Manager) ValidJob(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.validJobs[id]
	return job, ok
}

func (m *Manager) ValidJobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.validJobs)
}

// UpdateCurrentJob builds a fresh job from tpl without treating it as a
// block change: earlier jobs stay submittable.
func (m *Manager) UpdateCurrentJob(tpl *Template) error {
	if tpl == nil {
		return errors.New(errors.ErrorTypeValidation, "update_current_job", "nil template")
	}

	m.templateMu.Lock()
	defer m.templateMu.Unlock()

	job, err := m.build(tpl)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.currentJob = job
	m.validJobs[job.ID()] = job
	valid := len(m.validJobs)
	m.mu.Unlock()

	m.logger.LogJobBroadcast(job.ID(), tpl.Height, false, valid)
	m.emitUpdatedBlock(job)
	return nil
}

// ProcessTemplate adopts tpl if it starts a new block and reports whether it
// did. Templates for the current tip, and templates with a new previous hash
// but a lower height than the current job, are ignored.
func (m *Manager) ProcessTemplate(tpl *Template) (bool, error) {
	if tpl == nil {
		return false, errors.New(errors.ErrorTypeValidation, "process_template", "nil template")
	}

	m.templateMu.Lock()
	defer m.templateMu.Unlock()

	current := m.CurrentJob()
	if current != nil {
		cur := current.Template()
		if cur.PreviousBlockHash == tpl.PreviousBlockHash {
			return false, nil
		}
		if tpl.Height < cur.Height {
			m.logger.Warn("ignoring stale template",
				"previous_hash", tpl.PreviousBlockHash,
				"height", tpl.Height,
				"current_height", cur.Height,
			)
			return false, nil
		}
	}

	job, err := m.build(tpl)
	if err != nil {
		return false, err
	}

	now := m.now()
	m.mu.Lock()
	tenure := now.Sub(m.adoptedAt)
	m.currentJob = job
	m.validJobs = map[string]Job{job.ID(): job}
	m.adoptedAt = now
	m.mu.Unlock()

	if current != nil {
		m.logger.LogBlockTransition(current.Template().Height, tpl.Height, tenure)
	}
	m.logger.LogJobBroadcast(job.ID(), tpl.Height, true, 1)
	m.emitNewBlock(job)
	return true, nil
}

func (m *Manager) build(tpl *Template) (Job, error) {
	id := m.seq.Next()
	job, err := m.builder.Build(id, tpl)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "build_job", "failed to build job from template").
			WithContext("job_id", id).
			WithContext("height", tpl.Height)
	}
	return job, nil
}
