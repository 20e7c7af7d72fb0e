package service

import (
	"sync"
	"sync/atomic"
)

// commandRing is the per-symbol command queue: many producers, one
// consumer (the symbol's engine goroutine). Producers are serialized by a
// short critical section; the consumer reads lock-free. head and tail sit
// on separate cache lines to keep the two sides from false sharing.
type commandRing struct {
	head  uint64
	_pad1 [56]byte
	tail  uint64
	_pad2 [56]byte

	mu     sync.Mutex
	closed bool
	buf    []*command
	mask   uint64
}

// newCommandRing allocates a power-of-2 sized ring.
func newCommandRing(pow2 uint64) *commandRing {
	if pow2 == 0 || pow2&(pow2-1) != 0 {
		panic("service: ring size must be a power of two")
	}
	return &commandRing{buf: make([]*command, pow2), mask: pow2 - 1}
}

// enqueue appends a command. false means the ring is full or closed and
// the caller must apply backpressure.
func (q *commandRing) enqueue(c *command) bool {
	q.mu.Lock()
	h := q.head
	t := atomic.LoadUint64(&q.tail)
	if q.closed || h-t == uint64(len(q.buf)) {
		q.mu.Unlock()
		return false
	}
	q.buf[h&q.mask] = c
	atomic.StoreUint64(&q.head, h+1)
	q.mu.Unlock()
	return true
}

// dequeue pops the oldest command, or nil when empty. Consumer side only.
func (q *commandRing) dequeue() *command {
	t := q.tail
	h := atomic.LoadUint64(&q.head)
	if t == h {
		return nil
	}
	c := q.buf[t&q.mask]
	q.buf[t&q.mask] = nil
	atomic.StoreUint64(&q.tail, t+1)
	return c
}

// close stops intake. Anything enqueued before close is still visible to
// the consumer; a final drain after close cannot race a producer.
func (q *commandRing) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *commandRing) len() int {
	h := atomic.LoadUint64(&q.head)
	t := atomic.LoadUint64(&q.tail)
	return int(h - t)
}
