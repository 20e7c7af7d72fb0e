package service

import (
	"sync"
	"testing"
)

func TestCommandRingFIFO(t *testing.T) {
	r := newCommandRing(8)
	if got := r.dequeue(); got != nil {
		t.Fatalf("dequeue on empty ring = %v, want nil", got)
	}
	cmds := make([]*command, 5)
	for i := range cmds {
		cmds[i] = &command{query: &queryCmd{orderID: uint64(i + 1)}}
		if !r.enqueue(cmds[i]) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if r.len() != 5 {
		t.Fatalf("len = %d, want 5", r.len())
	}
	for i := range cmds {
		if got := r.dequeue(); got != cmds[i] {
			t.Fatalf("dequeue %d = %p, want %p", i, got, cmds[i])
		}
	}
	if got := r.dequeue(); got != nil {
		t.Fatalf("dequeue after drain = %v, want nil", got)
	}
}

func TestCommandRingFullThenWrap(t *testing.T) {
	r := newCommandRing(4)
	for i := 0; i < 4; i++ {
		if !r.enqueue(&command{}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if r.enqueue(&command{}) {
		t.Fatal("enqueue succeeded on full ring")
	}
	if r.dequeue() == nil {
		t.Fatal("dequeue on full ring = nil")
	}
	if !r.enqueue(&command{}) {
		t.Fatal("enqueue failed after making room")
	}
}

func TestCommandRingClosedRejectsProducers(t *testing.T) {
	r := newCommandRing(4)
	queued := &command{}
	if !r.enqueue(queued) {
		t.Fatal("enqueue before close failed")
	}
	r.close()
	if r.enqueue(&command{}) {
		t.Fatal("enqueue succeeded after close")
	}
	if got := r.dequeue(); got != queued {
		t.Fatal("command enqueued before close lost")
	}
}

func TestCommandRingRejectsNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("newCommandRing(6) did not panic")
		}
	}()
	newCommandRing(6)
}

// Many producers, one consumer. Order must hold per producer even when
// enqueues interleave.
func TestCommandRingConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 200

	r := newCommandRing(64)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				c := &command{place: &placeCmd{userID: uint64(p), time: int64(i)}}
				for !r.enqueue(c) {
				}
			}
		}(p)
	}

	seen := make([]int64, producers)
	for i := range seen {
		seen[i] = -1
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < producers*perProducer; {
			c := r.dequeue()
			if c == nil {
				continue
			}
			p := int(c.place.userID)
			if c.place.time != seen[p]+1 {
				t.Errorf("producer %d: got seq %d after %d", p, c.place.time, seen[p])
				return
			}
			seen[p] = c.place.time
			n++
		}
	}()
	wg.Wait()
	<-done
	for p, last := range seen {
		if last != perProducer-1 {
			t.Fatalf("producer %d: consumed through %d, want %d", p, last, perProducer-1)
		}
	}
}
