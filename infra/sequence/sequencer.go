// Package sequence provides the per-symbol change-stream sequencer.
package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing sequence numbers for one symbol's
// change stream. Fresh streams start issuing at 1; recovered streams resume
// from the last replayed sequence.
type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer that has already issued up to start.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next issues the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued sequence number.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset rewinds or advances the sequencer. Only used after replay, before
// the symbol accepts traffic.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
