package jobs

import (
	"strconv"

	"github.com/sasha-s/go-deadlock"
)

// sequenceWrap bounds the job counter. Ids restart at 1 when the counter
// reaches a multiple of it.
const sequenceWrap = 0xffffffffff

// Sequencer issues job ids as unpadded lowercase hex. It is safe for
// concurrent use.
type Sequencer struct {
	mu      deadlock.Mutex
	counter uint64
}

// Next advances the counter and returns the new id.
func (s *Sequencer) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	if s.counter%sequenceWrap == 0 {
		s.counter = 1
	}
	return strconv.FormatUint(s.counter, 16)
}

// Current returns the last issued id, or "0" before the first call to Next.
func (s *Sequencer) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatUint(s.counter, 16)
}
