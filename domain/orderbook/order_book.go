package orderbook

import (
	"errors"
	"fmt"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
)

var (
	// ErrInvalidOrder rejects malformed price/quantity before any mutation.
	ErrInvalidOrder = errors.New("orderbook: invalid order")

	// ErrNotFound covers unknown and already-terminal orders alike.
	ErrNotFound = errors.New("orderbook: order not found")
)

// TradeIDSource issues trade identifiers.
type TradeIDSource interface {
	Next() uint64
}

// Config fixes a symbol's price and quantity precision. Every order admitted
// to the book is rescaled to these tick powers so level keys and quantity
// arithmetic stay in plain integers.
type Config struct {
	Symbol    string
	PriceTick int8
	QtyTick   int8
}

// OrderBook is the price-time-priority matching engine for one symbol.
// It is not safe for concurrent use: exactly one goroutine owns it (the
// symbol's engine loop) and all mutation flows through that loop.
type OrderBook struct {
	cfg  Config
	bids *RBTree
	asks *RBTree

	// resting orders only; terminal orders leave the index
	orders map[uint64]*Order

	lastPrice fixedpoint.Price
	hasLast   bool

	tracker  *changelog.Tracker
	sink     changelog.Sink
	tradeIDs TradeIDSource
	clock    changelog.Clock
}

// New creates an empty book.
func New(cfg Config, tracker *changelog.Tracker, sink changelog.Sink, tradeIDs TradeIDSource, clock changelog.Clock) *OrderBook {
	return &OrderBook{
		cfg:      cfg,
		bids:     NewRBTree(),
		asks:     NewRBTree(),
		orders:   make(map[uint64]*Order),
		tracker:  tracker,
		sink:     sink,
		tradeIDs: tradeIDs,
		clock:    clock,
	}
}

// Symbol returns the trading pair this book serves.
func (b *OrderBook) Symbol() string { return b.cfg.Symbol }

// AddOrder validates, matches and (for resting types) enqueues an order.
// It returns the trades produced, in execution order. Change records for
// the order, every matched maker and every trade are emitted in the exact
// order the mutations occurred.
func (b *OrderBook) AddOrder(o *Order) ([]*Trade, error) {
	if err := b.admit(o); err != nil {
		return nil, err
	}

	o.Status = Open
	o.Filled = b.qty(0)
	b.emit(b.tracker.TrackCreate(o))

	// Post-only orders must never take liquidity: cancel instead of
	// trading when the limit price crosses the opposite best.
	if o.Type == PostOnly && b.wouldCross(o) {
		b.cancelRemainder(o)
		return nil, nil
	}

	// Fill-or-kill wants all-or-nothing; check available depth up to the
	// limit before touching any maker.
	if o.Type == FOK && !b.fillable(o) {
		b.cancelRemainder(o)
		return nil, nil
	}

	trades := b.match(o)

	if o.RemainingMantissa() > 0 {
		switch o.Type {
		case Limit, PostOnly:
			b.rest(o)
		default: // Market, IOC
			b.cancelRemainder(o)
		}
	}
	return trades, nil
}

// CancelOrder transitions a resting order to Canceled. Unknown and
// already-terminal orders both report ErrNotFound; the book is unchanged.
func (b *OrderBook) CancelOrder(orderID uint64) error {
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNotFound, orderID)
	}

	before := o.snapshot()
	tree := b.tree(o.Side)
	if lvl := tree.FindLevel(int64(o.Price.Mantissa())); lvl != nil {
		lvl.unlink(o)
		if lvl.OrderCount == 0 {
			tree.DeleteLevel(lvl.Price)
		}
	}
	delete(b.orders, orderID)

	o.Status = Canceled
	b.emitUpdate(&before, o)
	return nil
}

// Restore re-seats an order reconstructed from its change history during
// recovery. No matching runs and no records are emitted; the order must be
// non-terminal and already normalized to the book's tick powers.
func (b *OrderBook) Restore(o *Order) error {
	if o.Status.Terminal() {
		return fmt.Errorf("%w: restore of terminal order %d", ErrInvalidOrder, o.ID)
	}
	if o.Symbol != b.cfg.Symbol || o.Price.TickPower() != b.cfg.PriceTick ||
		o.Qty.TickPower() != b.cfg.QtyTick {
		return fmt.Errorf("%w: restore of order %d", ErrInvalidOrder, o.ID)
	}
	if _, dup := b.orders[o.ID]; dup {
		return fmt.Errorf("%w: restore of duplicate order %d", ErrInvalidOrder, o.ID)
	}
	b.rest(o)
	return nil
}

// RestoreLastPrice seeds the last trade price during recovery.
func (b *OrderBook) RestoreLastPrice(p fixedpoint.Price) {
	b.lastPrice = p
	b.hasLast = true
}

// FindOrder returns the resting order with the given ID, or nil. Terminal
// orders are owned by their change records, not the book.
func (b *OrderBook) FindOrder(orderID uint64) *Order {
	return b.orders[orderID]
}

// BestBid returns the highest resting bid price.
func (b *OrderBook) BestBid() (fixedpoint.Price, bool) {
	if lvl := b.bids.MaxLevel(); lvl != nil {
		return b.price(lvl.Price), true
	}
	return 0, false
}

// BestAsk returns the lowest resting ask price.
func (b *OrderBook) BestAsk() (fixedpoint.Price, bool) {
	if lvl := b.asks.MinLevel(); lvl != nil {
		return b.price(lvl.Price), true
	}
	return 0, false
}

// LastPrice returns the most recent trade price.
func (b *OrderBook) LastPrice() (fixedpoint.Price, bool) {
	return b.lastPrice, b.hasLast
}

// BidsWalk visits bid levels best (highest) first.
func (b *OrderBook) BidsWalk(fn func(*PriceLevel) bool) {
	b.bids.ForEachDescending(fn)
}

// AsksWalk visits ask levels best (lowest) first.
func (b *OrderBook) AsksWalk(fn func(*PriceLevel) bool) {
	b.asks.ForEachAscending(fn)
}

// --- admission ---

func (b *OrderBook) admit(o *Order) error {
	if o.Symbol != b.cfg.Symbol {
		return fmt.Errorf("%w: symbol %q on book %q", ErrInvalidOrder, o.Symbol, b.cfg.Symbol)
	}
	if _, dup := b.orders[o.ID]; dup {
		return fmt.Errorf("%w: duplicate order id %d", ErrInvalidOrder, o.ID)
	}

	q, err := o.Qty.Rescale(b.cfg.QtyTick)
	if err != nil || q.IsZero() {
		return fmt.Errorf("%w: quantity %s", ErrInvalidOrder, o.Qty)
	}
	o.Qty = q

	if o.Type == Market {
		o.Price = b.price(0)
		return nil
	}
	p, err := o.Price.Rescale(b.cfg.PriceTick)
	if err != nil || p.IsZero() {
		return fmt.Errorf("%w: price %s", ErrInvalidOrder, o.Price)
	}
	o.Price = p
	return nil
}

// --- matching ---

func (b *OrderBook) match(taker *Order) []*Trade {
	var trades []*Trade
	for taker.RemainingMantissa() > 0 {
		lvl := b.bestOpposite(taker.Side)
		if lvl == nil || !b.crosses(taker, lvl.Price) {
			break
		}

		for taker.RemainingMantissa() > 0 {
			maker := lvl.Head()
			if maker == nil {
				break
			}
			trades = append(trades, b.execute(taker, maker, lvl))
			if maker.RemainingMantissa() == 0 {
				lvl.unlink(maker)
				delete(b.orders, maker.ID)
			}
		}
		if lvl.OrderCount == 0 {
			b.tree(taker.Side.Opposite()).DeleteLevel(lvl.Price)
		}
	}
	return trades
}

// execute fills min(remaining, remaining) at the maker's price and emits
// the maker update, taker update and trade record in that order.
func (b *OrderBook) execute(taker, maker *Order, lvl *PriceLevel) *Trade {
	fill := taker.RemainingMantissa()
	if m := maker.RemainingMantissa(); m < fill {
		fill = m
	}

	makerBefore := maker.snapshot()
	takerBefore := taker.snapshot()

	b.applyFill(maker, fill)
	b.applyFill(taker, fill)
	lvl.reduce(fill)

	trade := &Trade{
		ID:           b.tradeIDs.Next(),
		Symbol:       b.cfg.Symbol,
		Price:        b.price(lvl.Price),
		Qty:          b.qty(fill),
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		TakerSide:    taker.Side,
		Time:         b.clock.Now(),
	}
	b.lastPrice = trade.Price
	b.hasLast = true

	b.emitUpdate(&makerBefore, maker)
	b.emitUpdate(&takerBefore, taker)
	b.emit(b.tracker.TrackCreate(trade))
	return trade
}

func (b *OrderBook) applyFill(o *Order, fill uint32) {
	o.Filled = b.qty(o.Filled.Mantissa() + fill)
	if o.RemainingMantissa() == 0 {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

func (b *OrderBook) rest(o *Order) {
	lvl := b.tree(o.Side).UpsertLevel(int64(o.Price.Mantissa()))
	lvl.enqueue(o)
	b.orders[o.ID] = o
}

func (b *OrderBook) cancelRemainder(o *Order) {
	before := o.snapshot()
	o.Status = Canceled
	b.emitUpdate(&before, o)
}

func (b *OrderBook) bestOpposite(side Side) *PriceLevel {
	if side == Buy {
		return b.asks.MinLevel()
	}
	return b.bids.MaxLevel()
}

func (b *OrderBook) crosses(taker *Order, levelPrice int64) bool {
	if taker.Type == Market {
		return true
	}
	limit := int64(taker.Price.Mantissa())
	if taker.Side == Buy {
		return levelPrice <= limit
	}
	return levelPrice >= limit
}

func (b *OrderBook) wouldCross(o *Order) bool {
	lvl := b.bestOpposite(o.Side)
	return lvl != nil && b.crosses(o, lvl.Price)
}

// fillable reports whether enough opposite-side quantity rests within the
// order's limit to fill it completely.
func (b *OrderBook) fillable(o *Order) bool {
	need := uint64(o.RemainingMantissa())
	var have uint64
	walk := func(lvl *PriceLevel) bool {
		if !b.crosses(o, lvl.Price) {
			return false
		}
		have += lvl.TotalQty
		return have < need
	}
	if o.Side == Buy {
		b.asks.ForEachAscending(walk)
	} else {
		b.bids.ForEachDescending(walk)
	}
	return have >= need
}

// --- helpers ---

func (b *OrderBook) tree(side Side) *RBTree {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) price(mantissa int64) fixedpoint.Price {
	p, _ := fixedpoint.New(uint32(mantissa), b.cfg.PriceTick)
	return p
}

func (b *OrderBook) qty(mantissa uint32) fixedpoint.Quantity {
	q, _ := fixedpoint.New(mantissa, b.cfg.QtyTick)
	return q
}

// Change records are emitted best-effort from the matching path; the sink
// owns durability and must not make the matcher wait on it.
func (b *OrderBook) emit(e *changelog.Entry) {
	_ = b.sink.Append(e)
}

func (b *OrderBook) emitUpdate(before, after *Order) {
	entry, err := b.tracker.TrackUpdate(before, after)
	if err != nil {
		return
	}
	b.emit(entry)
}
