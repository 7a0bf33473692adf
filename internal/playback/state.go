package playback

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/audio"
)

// queueState is owned by the Manager loop goroutine; nothing else reads or
// writes it.
type queueState struct {
	pending []Item
	active  *Item
	busy    bool
	phase   State

	// Lifecycle of the active item. gen increases on every load so signals
	// from an earlier handle can be recognised and dropped.
	gen     uint64
	handle  audio.Handle
	release chan struct{}
	timeout *time.Timer

	retryGen uint64
	retry    *time.Timer

	autoPlay bool
	volume   float64
}

func (s *queueState) push(item Item) {
	s.pending = append(s.pending, item)
}

func (s *queueState) pop() (Item, bool) {
	if len(s.pending) == 0 {
		return Item{}, false
	}
	item := s.pending[0]
	s.pending[0] = Item{}
	if len(s.pending) == 1 {
		s.pending = s.pending[:0]
	} else {
		s.pending = s.pending[1:]
	}
	return item, true
}

func (s *queueState) clearPending() int {
	n := len(s.pending)
	s.pending = nil
	return n
}

func (s *queueState) labels() []string {
	out := make([]string, len(s.pending))
	for i, item := range s.pending {
		out[i] = item.Label
	}
	return out
}

func (s *queueState) snapshot() Status {
	st := Status{
		QueueLength:   len(s.pending),
		IsPlaying:     s.busy,
		State:         s.phase,
		PendingLabels: s.labels(),
		AutoPlay:      s.autoPlay,
		Volume:        s.volume,
	}
	if s.active != nil {
		st.CurrentLabel = s.active.Label
	}
	if len(s.pending) > 0 {
		st.NextLabel = s.pending[0].Label
	}
	return st
}

// check verifies the structural invariants: busy iff an item is active,
// the phase agrees with busy, and a handle exists exactly while busy.
func (s *queueState) check() error {
	if s.busy != (s.active != nil) {
		return fmt.Errorf("busy=%t but active set=%t", s.busy, s.active != nil)
	}
	if s.busy == (s.phase == StateIdle) {
		return fmt.Errorf("busy=%t but phase=%s", s.busy, s.phase)
	}
	if s.busy != (s.handle != nil) {
		return fmt.Errorf("busy=%t but handle set=%t", s.busy, s.handle != nil)
	}
	return nil
}
