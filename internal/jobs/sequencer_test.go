package jobs

import (
	"sync"
	"testing"
)

func TestSequencerNext(t *testing.T) {
	var s Sequencer
	if got := s.Current(); got != "0" {
		t.Errorf("Current() before Next = %q, want 0", got)
	}

	want := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "a", "b"}
	for i, w := range want {
		if got := s.Next(); got != w {
			t.Fatalf("Next() #%d = %q, want %q", i+1, got, w)
		}
	}
	if got := s.Current(); got != "b" {
		t.Errorf("Current() = %q, want b", got)
	}
	if got := s.Current(); got != "b" {
		t.Errorf("Current() advanced the counter: %q", got)
	}
}

func TestSequencerWrap(t *testing.T) {
	s := Sequencer{counter: sequenceWrap - 2}
	if got := s.Next(); got != "fffffffffe" {
		t.Fatalf("Next() = %q, want fffffffffe", got)
	}
	if got := s.Next(); got != "1" {
		t.Fatalf("Next() at wrap = %q, want 1", got)
	}
	if got := s.Next(); got != "2" {
		t.Fatalf("Next() after wrap = %q, want 2", got)
	}
}

func TestSequencerConcurrent(t *testing.T) {
	var s Sequencer
	const goroutines, perG = 16, 200

	ids := make(chan string, goroutines*perG)
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perG {
				ids <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, goroutines*perG)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != goroutines*perG {
		t.Errorf("got %d ids, want %d", len(seen), goroutines*perG)
	}
}
