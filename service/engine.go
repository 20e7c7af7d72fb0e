// Package service owns the runtime around the matching core: one engine
// goroutine per symbol fed by a command ring, the dispatch front that
// validates and deduplicates commands, and recovery from the change log.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
	"fenrir/domain/marketdata"
	"fenrir/domain/orderbook"
	"fenrir/infra/checkpoint"
	"fenrir/infra/idgen"
	"fenrir/infra/sequence"
	"fenrir/infra/wal"
)

// ErrQueueFull is the backpressure signal: the symbol's command ring is
// full and the caller should retry or shed load.
var ErrQueueFull = errors.New("service: command queue full")

// EngineConfig fixes one symbol's precision and queue sizing.
type EngineConfig struct {
	Symbol    string
	PriceTick int8
	QtyTick   int8
	QueueSize uint64 // power of two, default 4096
}

// Engine is the single writer for one symbol. All mutating commands flow
// through its ring; the goroutine running Run is the only one that
// touches the book.
type Engine struct {
	cfg    EngineConfig
	book   *orderbook.OrderBook
	agg    *marketdata.Aggregator
	seq    *sequence.Sequencer
	ring   *commandRing
	notify chan struct{}

	orderIDs *idgen.Generator
	clock    changelog.Clock

}

// NewEngine wires a symbol's book, aggregator and queue. sink receives
// every change record after the aggregator has applied it; pass the WAL
// and outbox here.
func NewEngine(cfg EngineConfig, gens *idgen.Generators, clock changelog.Clock, sink changelog.Sink) *Engine {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4096
	}
	if clock == nil {
		clock = changelog.SystemClock{}
	}

	e := &Engine{
		cfg:      cfg,
		seq:      sequence.New(0),
		ring:     newCommandRing(cfg.QueueSize),
		notify:   make(chan struct{}, 1),
		orderIDs: gens.Order,
		clock:    clock,
	}
	e.agg = marketdata.NewAggregator(marketdata.Config{
		Symbol: cfg.Symbol, PriceTick: cfg.PriceTick, QtyTick: cfg.QtyTick,
	})

	sinks := changelog.MultiSink{changelog.SinkFunc(func(entry *changelog.Entry) error {
		if err := e.agg.Apply(entry); err != nil {
			log.Printf("[engine %s] aggregator rejected record seq %d: %v", cfg.Symbol, entry.Seq, err)
		}
		return nil
	})}
	if sink != nil {
		sinks = append(sinks, changelog.SinkFunc(func(entry *changelog.Entry) error {
			if err := sink.Append(entry); err != nil {
				log.Printf("[engine %s] sink rejected record seq %d: %v", cfg.Symbol, entry.Seq, err)
			}
			return nil
		}))
	}

	tracker := changelog.NewTracker(e.seq, clock)
	e.book = orderbook.New(
		orderbook.Config{Symbol: cfg.Symbol, PriceTick: cfg.PriceTick, QtyTick: cfg.QtyTick},
		tracker, sinks, gens.Trade, clock,
	)
	return e
}

// Symbol returns the trading pair this engine serves.
func (e *Engine) Symbol() string { return e.cfg.Symbol }

// Aggregator exposes the symbol's market-data views for concurrent reads.
func (e *Engine) Aggregator() *marketdata.Aggregator { return e.agg }

// Recover rebuilds book and aggregator state from a checkpoint image and
// the change-log tail after it. snap may be nil for a full replay. It
// must run before Run and before any command is submitted; a failure is
// fatal for this symbol and the engine must not be started.
func (e *Engine) Recover(l *wal.Log, snap *checkpoint.Snapshot) error {
	type history struct {
		entries []*changelog.Entry
	}
	perOrder := make(map[uint64]*history)
	var orderArrival []uint64
	var lastTradePrice string
	var maxSeq uint64

	if snap != nil {
		if snap.Symbol != e.cfg.Symbol {
			return fmt.Errorf("engine %s: checkpoint for %q", e.cfg.Symbol, snap.Symbol)
		}
		// seed each open order as a synthetic create so the history
		// machinery and the aggregator treat checkpointed and replayed
		// orders the same way
		for i := range snap.Orders {
			entry := checkpointEntry(snap, &snap.Orders[i])
			if err := e.agg.Apply(entry); err != nil {
				return fmt.Errorf("engine %s: checkpoint order %d: %w", e.cfg.Symbol, entry.EntityID, err)
			}
			perOrder[entry.EntityID] = &history{entries: []*changelog.Entry{entry}}
			orderArrival = append(orderArrival, entry.EntityID)
		}
		lastTradePrice = snap.LastPrice
		maxSeq = snap.Seq
	}

	err := l.Replay(func(entry *changelog.Entry) error {
		if entry.Symbol != e.cfg.Symbol {
			return nil
		}
		if snap != nil && entry.Seq <= snap.Seq {
			return nil
		}
		maxSeq = entry.Seq
		if err := e.agg.Apply(entry); err != nil {
			return fmt.Errorf("aggregator: %w", err)
		}
		switch entry.EntityType {
		case changelog.EntityOrder:
			h, ok := perOrder[entry.EntityID]
			if !ok {
				h = &history{}
				perOrder[entry.EntityID] = h
				orderArrival = append(orderArrival, entry.EntityID)
			}
			h.entries = append(h.entries, entry)
		case changelog.EntityTrade:
			if entry.Op == changelog.OpCreate {
				if fc, ok := entry.Field("price"); ok {
					lastTradePrice = fc.New
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine %s: replay: %w", e.cfg.Symbol, err)
	}

	// restore in arrival order so time priority inside each level holds
	for _, id := range orderArrival {
		o, err := orderbook.ReconstructOrder(perOrder[id].entries, e.cfg.PriceTick, e.cfg.QtyTick)
		if err != nil {
			return fmt.Errorf("engine %s: order %d: %w", e.cfg.Symbol, id, err)
		}
		if o.Status.Terminal() {
			continue
		}
		if err := e.book.Restore(o); err != nil {
			return fmt.Errorf("engine %s: %w", e.cfg.Symbol, err)
		}
	}
	if lastTradePrice != "" {
		p, err := fixedpoint.Parse(lastTradePrice, e.cfg.PriceTick)
		if err != nil {
			return fmt.Errorf("engine %s: last price %q: %w", e.cfg.Symbol, lastTradePrice, err)
		}
		e.book.RestoreLastPrice(p)
		e.agg.RestoreLast(p)
	}

	e.seq.Reset(maxSeq)
	log.Printf("[engine %s] recovered %d order histories through seq %d", e.cfg.Symbol, len(orderArrival), maxSeq)
	return nil
}

// submit queues a command, applying backpressure when the ring is full.
func (e *Engine) submit(c *command) error {
	if !e.ring.enqueue(c) {
		return fmt.Errorf("%w: %s", ErrQueueFull, e.cfg.Symbol)
	}
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the command ring until ctx is canceled. Commands already
// accepted into the ring are completed before returning.
func (e *Engine) Run(ctx context.Context) {
	log.Printf("[engine %s] started", e.cfg.Symbol)
	for {
		c := e.ring.dequeue()
		if c == nil {
			select {
			case <-ctx.Done():
				e.ring.close()
				e.drain()
				log.Printf("[engine %s] stopped", e.cfg.Symbol)
				return
			case <-e.notify:
			}
			continue
		}
		e.execute(c)
	}
}

func (e *Engine) drain() {
	for {
		c := e.ring.dequeue()
		if c == nil {
			return
		}
		e.execute(c)
	}
}

func (e *Engine) execute(c *command) {
	var out outcome
	switch {
	case c.place != nil:
		out = e.executePlace(c.place)
	case c.cancel != nil:
		out = e.executeCancel(c.cancel)
	case c.query != nil:
		out = e.executeQuery(c.query)
	case c.checkpoint != nil:
		out = e.executeCheckpoint()
	}
	c.done <- out
}

func (e *Engine) executePlace(cmd *placeCmd) outcome {
	ts := cmd.time
	if ts == 0 {
		ts = e.clock.Now()
	}
	o := &orderbook.Order{
		ID:     e.orderIDs.Next(),
		UserID: cmd.userID,
		Symbol: e.cfg.Symbol,
		Side:   cmd.side,
		Type:   cmd.typ,
		Price:  cmd.price,
		Qty:    cmd.qty,
		Time:   ts,
	}
	trades, err := e.book.AddOrder(o)
	if err != nil {
		return outcome{err: err}
	}

	res := &PlaceResult{Order: orderState(o)}
	for _, t := range trades {
		res.Trades = append(res.Trades, TradeFill{
			TradeID:      t.ID,
			Price:        t.Price.String(),
			Qty:          t.Qty.String(),
			MakerOrderID: t.MakerOrderID,
			TakerOrderID: t.TakerOrderID,
		})
	}
	return outcome{resp: &Response{Place: res}}
}

func (e *Engine) executeCancel(cmd *cancelCmd) outcome {
	if err := e.book.CancelOrder(cmd.orderID); err != nil {
		return outcome{err: err}
	}
	return outcome{resp: &Response{Cancel: &CancelResult{
		OrderID: cmd.orderID,
		Status:  orderbook.Canceled.String(),
	}}}
}

func (e *Engine) executeQuery(cmd *queryCmd) outcome {
	o := e.book.FindOrder(cmd.orderID)
	if o == nil {
		return outcome{err: fmt.Errorf("%w: order %d", orderbook.ErrNotFound, cmd.orderID)}
	}
	st := orderState(o)
	return outcome{resp: &Response{Query: &st}}
}

// Checkpoint cuts a consistent image of the book through the command
// ring and returns it together with the sequence number it covers. The
// caller owns persistence; pair a durable write with
// wal.Log.TruncateBefore(snap.Seq+1) to bound the log.
func (e *Engine) Checkpoint() (*checkpoint.Snapshot, error) {
	c := &command{checkpoint: &checkpointCmd{}, done: make(chan outcome, 1)}
	if err := e.submit(c); err != nil {
		return nil, err
	}
	out := <-c.done
	return out.snap, out.err
}

func (e *Engine) executeCheckpoint() outcome {
	snap := &checkpoint.Snapshot{
		Symbol: e.cfg.Symbol,
		Seq:    e.seq.Current(),
		Time:   e.clock.Now(),
	}
	if last, ok := e.book.LastPrice(); ok {
		snap.LastPrice = last.String()
	}
	appendLevel := func(lvl *orderbook.PriceLevel) bool {
		for o := lvl.Head(); o != nil; o = o.Next() {
			snap.Orders = append(snap.Orders, checkpoint.OrderRecord{
				ID:     o.ID,
				UserID: o.UserID,
				Side:   o.Side.String(),
				Type:   o.Type.String(),
				Price:  o.Price.String(),
				Qty:    o.Qty.String(),
				Filled: o.Filled.String(),
				Status: o.Status.String(),
				Time:   o.Time,
			})
		}
		return true
	}
	e.book.BidsWalk(appendLevel)
	e.book.AsksWalk(appendLevel)
	return outcome{snap: snap}
}

// checkpointEntry renders a checkpointed order as the create record a
// full replay would have produced, stamped at the checkpoint sequence.
func checkpointEntry(snap *checkpoint.Snapshot, o *checkpoint.OrderRecord) *changelog.Entry {
	fields := []changelog.FieldChange{
		{Name: "user_id", New: strconv.FormatUint(o.UserID, 10)},
		{Name: "side", New: o.Side},
		{Name: "type", New: o.Type},
		{Name: "price", New: o.Price},
		{Name: "quantity", New: o.Qty},
		{Name: "filled_quantity", New: o.Filled},
		{Name: "status", New: o.Status},
	}
	return &changelog.Entry{
		EntityType: changelog.EntityOrder,
		EntityID:   o.ID,
		Symbol:     snap.Symbol,
		Op:         changelog.OpCreate,
		Seq:        snap.Seq,
		Time:       o.Time,
		Fields:     fields,
	}
}
