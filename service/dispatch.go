package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
	"fenrir/domain/marketdata"
	"fenrir/domain/orderbook"
)

// DefaultDedupTTL bounds how long a completed command's response stays
// addressable by its nonce.
const DefaultDedupTTL = 10 * time.Minute

// dedupEntry is the reserved slot for one (user, nonce) pair. done is
// closed once resp/err are final; a concurrent duplicate waits on it.
type dedupEntry struct {
	done chan struct{}
	resp *Response
	err  error
	at   int64 // clock stamp when the slot was filled
}

// Dispatcher is the command front: it validates input, routes each
// command to its symbol's engine, and replays responses for repeated
// nonces. Market-data queries bypass the rings and read aggregator
// snapshots directly.
type Dispatcher struct {
	mu      sync.RWMutex
	engines map[string]*Engine

	dedupMu  sync.Mutex
	dedup    map[string]*dedupEntry
	reserves uint64
	ttl      time.Duration

	keys  *listenKeys
	clock changelog.Clock
}

// NewDispatcher builds an empty dispatcher. A zero ttl selects
// DefaultDedupTTL.
func NewDispatcher(clock changelog.Clock, ttl time.Duration) *Dispatcher {
	if clock == nil {
		clock = changelog.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Dispatcher{
		engines: make(map[string]*Engine),
		dedup:   make(map[string]*dedupEntry),
		ttl:     ttl,
		keys:    newListenKeys(clock),
		clock:   clock,
	}
}

// Register adds a symbol's engine. Registering the same symbol twice
// replaces the previous engine.
func (d *Dispatcher) Register(e *Engine) {
	d.mu.Lock()
	d.engines[e.Symbol()] = e
	d.mu.Unlock()
}

func (d *Dispatcher) engine(symbol string) (*Engine, error) {
	d.mu.RLock()
	e, ok := d.engines[symbol]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: symbol %q", orderbook.ErrNotFound, symbol)
	}
	return e, nil
}

// PlaceOrder validates, deduplicates and executes a place command.
func (d *Dispatcher) PlaceOrder(cmd PlaceOrder) (*Response, error) {
	eng, err := d.engine(cmd.Symbol)
	if err != nil {
		return nil, err
	}
	pc, err := buildPlace(eng, cmd)
	if err != nil {
		return nil, err
	}
	return d.withDedup(cmd.UserID, cmd.Nonce, func() (*Response, error) {
		return roundTrip(eng, &command{place: pc, done: make(chan outcome, 1)})
	})
}

// CancelOrder validates, deduplicates and executes a cancel command.
func (d *Dispatcher) CancelOrder(cmd CancelOrder) (*Response, error) {
	eng, err := d.engine(cmd.Symbol)
	if err != nil {
		return nil, err
	}
	if cmd.OrderID == 0 {
		return nil, fmt.Errorf("%w: missing order id", orderbook.ErrInvalidOrder)
	}
	return d.withDedup(cmd.UserID, cmd.Nonce, func() (*Response, error) {
		return roundTrip(eng, &command{cancel: &cancelCmd{orderID: cmd.OrderID}, done: make(chan outcome, 1)})
	})
}

// QueryOrder reads one order's current state through the symbol's ring so
// the snapshot is consistent with command order. Queries are never
// deduplicated.
func (d *Dispatcher) QueryOrder(symbol string, orderID uint64) (*Response, error) {
	eng, err := d.engine(symbol)
	if err != nil {
		return nil, err
	}
	return roundTrip(eng, &command{query: &queryCmd{orderID: orderID}, done: make(chan outcome, 1)})
}

// Level1 returns the symbol's best bid/offer snapshot.
func (d *Dispatcher) Level1(symbol string) (*marketdata.Level1, error) {
	eng, err := d.engine(symbol)
	if err != nil {
		return nil, err
	}
	return eng.Aggregator().QueryLevel1(), nil
}

// Level2 returns aggregated depth; depth <= 0 means the whole book.
func (d *Dispatcher) Level2(symbol string, depth int) (marketdata.Level2, error) {
	eng, err := d.engine(symbol)
	if err != nil {
		return marketdata.Level2{}, err
	}
	return eng.Aggregator().QueryLevel2(depth), nil
}

// Level3 returns per-order depth; depth <= 0 means the whole book.
func (d *Dispatcher) Level3(symbol string, depth int) (marketdata.Level3, error) {
	eng, err := d.engine(symbol)
	if err != nil {
		return marketdata.Level3{}, err
	}
	return eng.Aggregator().QueryLevel3(depth), nil
}

// Trades returns the symbol's most recent trade events, newest last.
func (d *Dispatcher) Trades(symbol string, limit int) ([]marketdata.Event, error) {
	eng, err := d.engine(symbol)
	if err != nil {
		return nil, err
	}
	return eng.Aggregator().QueryTrades(limit), nil
}

// CreateListenKey opens a user-data session and returns its key. A
// retried nonce replays the first session instead of minting another.
func (d *Dispatcher) CreateListenKey(cmd ListenKeyRequest) (*Response, error) {
	return d.withDedup(cmd.UserID, cmd.Nonce, func() (*Response, error) {
		return &Response{ListenKey: d.keys.create(cmd.UserID)}, nil
	})
}

// KeepAliveListenKey extends an active session's expiry.
func (d *Dispatcher) KeepAliveListenKey(cmd ListenKeyRequest) (*Response, error) {
	return d.withDedup(cmd.UserID, cmd.Nonce, func() (*Response, error) {
		res, err := d.keys.keepAlive(cmd.UserID, cmd.Key)
		if err != nil {
			return nil, err
		}
		return &Response{ListenKey: res}, nil
	})
}

// CloseListenKey ends a session; further keep-alives fail.
func (d *Dispatcher) CloseListenKey(cmd ListenKeyRequest) (*Response, error) {
	return d.withDedup(cmd.UserID, cmd.Nonce, func() (*Response, error) {
		res, err := d.keys.close(cmd.UserID, cmd.Key)
		if err != nil {
			return nil, err
		}
		return &Response{ListenKey: res}, nil
	})
}

// buildPlace parses and validates a place command against the symbol's
// tick powers.
func buildPlace(eng *Engine, cmd PlaceOrder) (*placeCmd, error) {
	side, ok := orderbook.ParseSide(cmd.Side)
	if !ok {
		return nil, fmt.Errorf("%w: side %q", orderbook.ErrInvalidOrder, cmd.Side)
	}
	typ, ok := orderbook.ParseType(cmd.Type)
	if !ok {
		return nil, fmt.Errorf("%w: type %q", orderbook.ErrInvalidOrder, cmd.Type)
	}

	qty, err := fixedpoint.Parse(cmd.Qty, eng.cfg.QtyTick)
	if err != nil {
		return nil, fmt.Errorf("%w: quantity %q: %v", orderbook.ErrInvalidOrder, cmd.Qty, err)
	}
	if qty.IsZero() {
		return nil, fmt.Errorf("%w: zero quantity", orderbook.ErrInvalidOrder)
	}

	var price fixedpoint.Price
	if typ != orderbook.Market {
		price, err = fixedpoint.Parse(cmd.Price, eng.cfg.PriceTick)
		if err != nil {
			return nil, fmt.Errorf("%w: price %q: %v", orderbook.ErrInvalidOrder, cmd.Price, err)
		}
		if price.IsZero() {
			return nil, fmt.Errorf("%w: zero price", orderbook.ErrInvalidOrder)
		}
	}

	return &placeCmd{
		userID: cmd.UserID,
		time:   cmd.Time,
		side:   side,
		typ:    typ,
		price:  price,
		qty:    qty,
	}, nil
}

// roundTrip queues a command and blocks for its single outcome.
func roundTrip(eng *Engine, c *command) (*Response, error) {
	if err := eng.submit(c); err != nil {
		return nil, err
	}
	out := <-c.done
	return out.resp, out.err
}

// withDedup runs a mutating command exactly once per (user, nonce). The
// first caller reserves the slot and executes; later callers with the
// same key wait and receive the recorded response flagged Duplicate.
// Queue-full failures are not recorded so the client can retry the same
// nonce after backing off. An empty nonce opts out of deduplication.
func (d *Dispatcher) withDedup(userID uint64, nonce string, run func() (*Response, error)) (*Response, error) {
	if nonce == "" {
		return run()
	}
	key := fmt.Sprintf("%d:%s", userID, nonce)

	d.dedupMu.Lock()
	d.reserves++
	if d.reserves%4096 == 0 {
		d.sweepLocked()
	}
	if e, ok := d.dedup[key]; ok && !d.expiredLocked(e) {
		d.dedupMu.Unlock()
		<-e.done
		if e.err != nil {
			return nil, e.err
		}
		cp := *e.resp
		cp.Duplicate = true
		return &cp, nil
	}
	e := &dedupEntry{done: make(chan struct{})}
	d.dedup[key] = e
	d.dedupMu.Unlock()

	resp, err := run()

	d.dedupMu.Lock()
	e.resp, e.err = resp, err
	e.at = d.clock.Now()
	if errors.Is(err, ErrQueueFull) {
		// the waiters still see the error through the entry; dropping it
		// from the map lets the same nonce retry once the ring drains
		delete(d.dedup, key)
	}
	d.dedupMu.Unlock()
	close(e.done)
	return resp, err
}

// expiredLocked reports whether a filled entry has aged past the TTL.
// Unfilled entries (done still open) never expire.
func (d *Dispatcher) expiredLocked(e *dedupEntry) bool {
	select {
	case <-e.done:
	default:
		return false
	}
	return d.clock.Now()-e.at > d.ttl.Nanoseconds()
}

func (d *Dispatcher) sweepLocked() {
	for k, e := range d.dedup {
		if d.expiredLocked(e) {
			delete(d.dedup, k)
		}
	}
}
