package jobs

import "time"

// Listener receives job lifecycle and share signals. Callbacks run on the
// goroutine that caused the signal, after the manager state is updated, and
// must not block.
type Listener interface {
	// OnUpdatedBlock is a refreshed job on the same chain tip. isNewBlock
	// is always false; in-flight work stays valid.
	OnUpdatedBlock(job Job, isNewBlock bool)
	// OnNewBlock is the first job on a new chain tip. Every earlier job is
	// already unsubmittable.
	OnNewBlock(job Job)
	// OnShare reports every share attempt. blockHex is empty unless the
	// share solved a block.
	OnShare(ev *ShareEvent, blockHex string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	UpdatedBlock func(job Job, isNewBlock bool)
	NewBlock     func(job Job)
	Share        func(ev *ShareEvent, blockHex string)
}

func (f ListenerFuncs) OnUpdatedBlock(job Job, isNewBlock bool) {
	if f.UpdatedBlock != nil {
		f.UpdatedBlock(job, isNewBlock)
	}
}

func (f ListenerFuncs) OnNewBlock(job Job) {
	if f.NewBlock != nil {
		f.NewBlock(job)
	}
}

func (f ListenerFuncs) OnShare(ev *ShareEvent, blockHex string) {
	if f.Share != nil {
		f.Share(ev, blockHex)
	}
}

// ShareEvent is the telemetry for one share attempt. Rejections fill JobID,
// IP, Worker, Difficulty and Error only.
type ShareEvent struct {
	JobID       string
	IP          string
	Port        int
	Worker      string
	Height      int64
	BlockReward int64
	// Difficulty is the difficulty the share was credited at, which is the
	// previous difficulty when the retarget race rule applied.
	Difficulty      float64
	ShareDiff       string
	BlockDiff       float64
	BlockDiffActual float64
	BlockHash       string
	Error           string
	SubmittedAt     time.Time
}

// Accepted reports whether the share was credited.
func (ev *ShareEvent) Accepted() bool {
	return ev.Error == ""
}

// IsBlock reports whether the share solved a block.
func (ev *ShareEvent) IsBlock() bool {
	return ev.BlockHash != ""
}

// Subscribe registers l for all future signals.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) snapshotListeners() []Listener {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	return m.listeners
}

func (m *Manager) emitUpdatedBlock(job Job) {
	for _, l := range m.snapshotListeners() {
		l.OnUpdatedBlock(job, false)
	}
}

func (m *Manager) emitNewBlock(job Job) {
	for _, l := range m.snapshotListeners() {
		l.OnNewBlock(job)
	}
}

func (m *Manager) emitShare(ev *ShareEvent, blockHex string) {
	for _, l := range m.snapshotListeners() {
		l.OnShare(ev, blockHex)
	}
}
