package marketdata

import "sync/atomic"

// Subscription is one consumer's bounded delta queue. Delivery is
// non-blocking: when the buffer is full the event is dropped and the drop
// counter advanced. Consumers detect the resulting gap through the Seq of
// the next delivered event and resynchronize from a snapshot query.
type Subscription struct {
	c       chan Event
	agg     *Aggregator
	dropped atomic.Uint64
	closed  bool
}

// Subscribe registers a delta consumer with the given buffer size.
func (a *Aggregator) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{c: make(chan Event, buffer), agg: a}
	a.subMu.Lock()
	a.subs = append(a.subs, s)
	a.subMu.Unlock()
	return s
}

// C is the delta channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Event { return s.c }

// Dropped returns how many events were discarded on buffer overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	a := s.agg
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i, sub := range a.subs {
		if sub == s {
			a.subs = append(a.subs[:i], a.subs[i+1:]...)
			break
		}
	}
	close(s.c)
}

func (a *Aggregator) broadcast(events []Event) {
	if len(events) == 0 {
		return
	}
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, s := range a.subs {
		for _, e := range events {
			select {
			case s.c <- e:
			default:
				s.dropped.Add(1)
			}
		}
	}
}
