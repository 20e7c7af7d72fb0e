package marketdata

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
	"fenrir/domain/orderbook"
)

// ErrBadEntry marks a change record the aggregator cannot apply: wrong
// symbol, unknown order, or an unparseable field value.
var ErrBadEntry = errors.New("marketdata: unusable change record")

// tradeHistory bounds the recent-trade buffer served by QueryTrades.
const tradeHistory = 512

// Config fixes the symbol and tick powers; field values in change records
// are parsed back at these powers so level keys match the book's.
type Config struct {
	Symbol    string
	PriceTick int8
	QtyTick   int8
}

type trackedOrder struct {
	side   orderbook.Side
	typ    orderbook.Type
	price  fixedpoint.Price
	qty    fixedpoint.Quantity
	filled fixedpoint.Quantity
	onBook bool
}

func (o *trackedOrder) remaining() uint32 {
	return o.qty.Mantissa() - o.filled.Mantissa()
}

type level struct {
	price    fixedpoint.Price
	qty      uint64 // aggregate remaining quantity mantissa
	orderIDs []uint64
}

func (l *level) removeOrder(id uint64) {
	for i, oid := range l.orderIDs {
		if oid == id {
			l.orderIDs = append(l.orderIDs[:i], l.orderIDs[i+1:]...)
			return
		}
	}
}

// bookSide keeps levels addressable by price mantissa and iterable in
// price order. prices is sorted ascending; bids are walked from the back.
type bookSide struct {
	levels map[uint32]*level
	prices []uint32
}

func newBookSide() *bookSide {
	return &bookSide{levels: make(map[uint32]*level)}
}

func (s *bookSide) upsert(p fixedpoint.Price) *level {
	m := p.Mantissa()
	if l, ok := s.levels[m]; ok {
		return l
	}
	l := &level{price: p}
	s.levels[m] = l
	i := sort.Search(len(s.prices), func(i int) bool { return s.prices[i] >= m })
	s.prices = append(s.prices, 0)
	copy(s.prices[i+1:], s.prices[i:])
	s.prices[i] = m
	return l
}

func (s *bookSide) drop(m uint32) {
	if _, ok := s.levels[m]; !ok {
		return
	}
	delete(s.levels, m)
	i := sort.Search(len(s.prices), func(i int) bool { return s.prices[i] >= m })
	if i < len(s.prices) && s.prices[i] == m {
		s.prices = append(s.prices[:i], s.prices[i+1:]...)
	}
}

// best returns the top level: highest price for bids, lowest for asks.
func (s *bookSide) best(descending bool) *level {
	if len(s.prices) == 0 {
		return nil
	}
	if descending {
		return s.levels[s.prices[len(s.prices)-1]]
	}
	return s.levels[s.prices[0]]
}

func (s *bookSide) walk(descending bool, fn func(*level) bool) {
	if descending {
		for i := len(s.prices) - 1; i >= 0; i-- {
			if !fn(s.levels[s.prices[i]]) {
				return
			}
		}
		return
	}
	for _, m := range s.prices {
		if !fn(s.levels[m]) {
			return
		}
	}
}

// Aggregator maintains the market-data views for one symbol. Apply is
// called by the record producer in stream order; queries may run
// concurrently. The L1 snapshot is published through an atomic pointer so
// top-of-book reads never contend with the writer.
type Aggregator struct {
	cfg Config

	mu      sync.RWMutex
	orders  map[uint64]*trackedOrder
	bids    *bookSide
	asks    *bookSide
	seq     uint64
	last    fixedpoint.Price
	hasLast bool
	trades  []Event // most recent last, capped at tradeHistory

	l1 atomic.Pointer[Level1]

	subMu sync.Mutex
	subs  []*Subscription
}

// NewAggregator creates an empty aggregator for one symbol.
func NewAggregator(cfg Config) *Aggregator {
	a := &Aggregator{
		cfg:    cfg,
		orders: make(map[uint64]*trackedOrder),
		bids:   newBookSide(),
		asks:   newBookSide(),
	}
	a.l1.Store(&Level1{Symbol: cfg.Symbol})
	return a
}

// Symbol returns the trading pair this aggregator observes.
func (a *Aggregator) Symbol() string { return a.cfg.Symbol }

// Apply folds one change record into the views and fans the resulting
// delta events out to subscribers. Records must arrive in stream order.
func (a *Aggregator) Apply(e *changelog.Entry) error {
	if e.Symbol != a.cfg.Symbol {
		return fmt.Errorf("%w: symbol %q on aggregator %q", ErrBadEntry, e.Symbol, a.cfg.Symbol)
	}

	a.mu.Lock()
	events, err := a.fold(e)
	if err == nil {
		a.seq = e.Seq
		if bbo := a.refreshL1(e); bbo != nil {
			events = append(events, Event{
				Kind: KindBBO, Symbol: a.cfg.Symbol, Seq: e.Seq, Time: e.Time, BBO: bbo,
			})
		}
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.broadcast(events)
	return nil
}

// QueryLevel1 returns the current BBO snapshot without locking.
func (a *Aggregator) QueryLevel1() *Level1 {
	return a.l1.Load()
}

// QueryLevel2 returns up to depth aggregated levels per side, best first.
// depth <= 0 means the whole book.
func (a *Aggregator) QueryLevel2(depth int) Level2 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Level2{Symbol: a.cfg.Symbol, Seq: a.seq}
	collect := func(l *level) LevelView {
		return LevelView{Price: l.price, Qty: a.qtyDec(l.qty), Orders: len(l.orderIDs)}
	}
	a.bids.walk(true, func(l *level) bool {
		snap.Bids = append(snap.Bids, collect(l))
		return depth <= 0 || len(snap.Bids) < depth
	})
	a.asks.walk(false, func(l *level) bool {
		snap.Asks = append(snap.Asks, collect(l))
		return depth <= 0 || len(snap.Asks) < depth
	})
	return snap
}

// QueryTrades returns up to limit recent trade events, newest last.
// limit <= 0 returns the whole retained history.
func (a *Aggregator) QueryTrades(limit int) []Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, a.trades[len(a.trades)-n:])
	return out
}

// QueryLevel3 returns up to depth levels per side with their order queues
// in time priority, best levels first. depth <= 0 means the whole book.
func (a *Aggregator) QueryLevel3(depth int) Level3 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Level3{Symbol: a.cfg.Symbol, Seq: a.seq}
	collect := func(l *level) BookLevel {
		bl := BookLevel{Price: l.price, Orders: make([]OrderView, 0, len(l.orderIDs))}
		for _, id := range l.orderIDs {
			o := a.orders[id]
			bl.Orders = append(bl.Orders, OrderView{OrderID: id, Remaining: a.qtyFixed(o.remaining())})
		}
		return bl
	}
	a.bids.walk(true, func(l *level) bool {
		snap.Bids = append(snap.Bids, collect(l))
		return depth <= 0 || len(snap.Bids) < depth
	})
	a.asks.walk(false, func(l *level) bool {
		snap.Asks = append(snap.Asks, collect(l))
		return depth <= 0 || len(snap.Asks) < depth
	})
	return snap
}

// RestoreLast seeds the last trade price when the symbol is rebuilt from
// a checkpoint instead of a full trade-record replay.
func (a *Aggregator) RestoreLast(p fixedpoint.Price) {
	a.mu.Lock()
	a.last = p
	a.hasLast = true
	next := *a.l1.Load()
	next.Last = p
	next.HasLast = true
	a.l1.Store(&next)
	a.mu.Unlock()
}

// --- record folding ---

func (a *Aggregator) fold(e *changelog.Entry) ([]Event, error) {
	switch e.EntityType {
	case changelog.EntityTrade:
		if e.Op != changelog.OpCreate {
			return nil, nil
		}
		return a.foldTrade(e)
	case changelog.EntityOrder:
		switch e.Op {
		case changelog.OpCreate:
			return a.foldOrderCreate(e)
		case changelog.OpUpdate:
			return a.foldOrderUpdate(e)
		case changelog.OpDelete:
			return a.foldOrderUpdate(e)
		}
	}
	return nil, nil
}

func (a *Aggregator) foldTrade(e *changelog.Entry) ([]Event, error) {
	price, err := a.parsePrice(e, "price")
	if err != nil {
		return nil, err
	}
	qty, err := a.parseQty(e, "quantity")
	if err != nil {
		return nil, err
	}
	side, ok := orderbook.ParseSide(fieldNew(e, "taker_side"))
	if !ok {
		return nil, fmt.Errorf("%w: taker_side in trade %d", ErrBadEntry, e.EntityID)
	}
	maker, _ := parseUintField(e, "maker_order_id")
	taker, _ := parseUintField(e, "taker_order_id")

	a.last = price
	a.hasLast = true

	ev := Event{
		Kind: KindTrade, Symbol: a.cfg.Symbol, Seq: e.Seq, Time: e.Time,
		Side: side, Price: price, Qty: qty.Decimal(),
		MakerOrderID: maker, TakerOrderID: taker,
	}
	a.trades = append(a.trades, ev)
	if len(a.trades) > tradeHistory {
		a.trades = a.trades[len(a.trades)-tradeHistory:]
	}
	return []Event{ev}, nil
}

func (a *Aggregator) foldOrderCreate(e *changelog.Entry) ([]Event, error) {
	side, ok := orderbook.ParseSide(fieldNew(e, "side"))
	if !ok {
		return nil, fmt.Errorf("%w: side in order %d", ErrBadEntry, e.EntityID)
	}
	typ, ok := orderbook.ParseType(fieldNew(e, "type"))
	if !ok {
		return nil, fmt.Errorf("%w: type in order %d", ErrBadEntry, e.EntityID)
	}
	qty, err := a.parseQty(e, "quantity")
	if err != nil {
		return nil, err
	}
	filled, err := a.parseQty(e, "filled_quantity")
	if err != nil {
		return nil, err
	}

	o := &trackedOrder{side: side, typ: typ, qty: qty, filled: filled}
	if typ != orderbook.Market {
		if o.price, err = a.parsePrice(e, "price"); err != nil {
			return nil, err
		}
	}
	a.orders[e.EntityID] = o

	// only order types that can rest contribute to depth
	if typ != orderbook.Limit && typ != orderbook.PostOnly {
		return nil, nil
	}
	o.onBook = true
	lvl := a.side(side).upsert(o.price)
	lvl.qty += uint64(o.remaining())
	lvl.orderIDs = append(lvl.orderIDs, e.EntityID)

	return []Event{
		a.depthEvent(e, side, lvl),
		a.orderEvent(e, side, o, e.EntityID, false),
	}, nil
}

func (a *Aggregator) foldOrderUpdate(e *changelog.Entry) ([]Event, error) {
	o, ok := a.orders[e.EntityID]
	if !ok {
		return nil, fmt.Errorf("%w: update for unknown order %d", ErrBadEntry, e.EntityID)
	}

	oldRemaining := o.remaining()
	terminal := false
	if fc, ok := e.Field("filled_quantity"); ok {
		f, err := fixedpoint.Parse(fc.New, a.cfg.QtyTick)
		if err != nil {
			return nil, fmt.Errorf("%w: filled_quantity %q", ErrBadEntry, fc.New)
		}
		o.filled = f
	}
	if fc, ok := e.Field("status"); ok {
		st, ok := orderbook.ParseStatus(fc.New)
		if !ok {
			return nil, fmt.Errorf("%w: status %q", ErrBadEntry, fc.New)
		}
		terminal = st.Terminal()
	}
	if e.Op == changelog.OpDelete {
		terminal = true
	}

	if !o.onBook {
		if terminal {
			delete(a.orders, e.EntityID)
		}
		return nil, nil
	}

	side := a.side(o.side)
	lvl := side.levels[o.price.Mantissa()]
	if lvl == nil {
		return nil, fmt.Errorf("%w: order %d references missing level", ErrBadEntry, e.EntityID)
	}

	newRemaining := o.remaining()
	lvl.qty -= uint64(oldRemaining - newRemaining)
	removed := terminal || newRemaining == 0
	if removed {
		lvl.qty -= uint64(newRemaining)
		lvl.removeOrder(e.EntityID)
		o.onBook = false
	}
	events := []Event{
		a.depthEvent(e, o.side, lvl),
		a.orderEvent(e, o.side, o, e.EntityID, removed),
	}
	if len(lvl.orderIDs) == 0 {
		side.drop(o.price.Mantissa())
	}
	if terminal {
		delete(a.orders, e.EntityID)
	}
	return events, nil
}

// refreshL1 publishes a new BBO snapshot when top-of-book changed and
// returns it, or nil when nothing changed.
func (a *Aggregator) refreshL1(e *changelog.Entry) *Level1 {
	next := &Level1{Symbol: a.cfg.Symbol, Seq: e.Seq, Last: a.last, HasLast: a.hasLast}
	if lvl := a.bids.best(true); lvl != nil {
		next.Bid, next.BidQty, next.HasBid = lvl.price, a.qtyDec(lvl.qty), true
	}
	if lvl := a.asks.best(false); lvl != nil {
		next.Ask, next.AskQty, next.HasAsk = lvl.price, a.qtyDec(lvl.qty), true
	}

	prev := a.l1.Load()
	if prev.Bid == next.Bid && prev.BidQty.Equal(next.BidQty) && prev.HasBid == next.HasBid &&
		prev.Ask == next.Ask && prev.AskQty.Equal(next.AskQty) && prev.HasAsk == next.HasAsk &&
		prev.Last == next.Last && prev.HasLast == next.HasLast {
		return nil
	}
	a.l1.Store(next)
	return next
}

// --- helpers ---

func (a *Aggregator) side(s orderbook.Side) *bookSide {
	if s == orderbook.Buy {
		return a.bids
	}
	return a.asks
}

func (a *Aggregator) depthEvent(e *changelog.Entry, side orderbook.Side, lvl *level) Event {
	return Event{
		Kind: KindDepth, Symbol: a.cfg.Symbol, Seq: e.Seq, Time: e.Time,
		Side: side, Price: lvl.price, Qty: a.qtyDec(lvl.qty),
	}
}

func (a *Aggregator) orderEvent(e *changelog.Entry, side orderbook.Side, o *trackedOrder, id uint64, removed bool) Event {
	return Event{
		Kind: KindOrder, Symbol: a.cfg.Symbol, Seq: e.Seq, Time: e.Time,
		Side: side, Price: o.price, Qty: a.qtyDec(uint64(o.remaining())),
		OrderID: id, Removed: removed,
	}
}

// qtyDec renders an aggregate quantity mantissa; aggregates can exceed the
// packed codec's mantissa range, so views carry decimals.
func (a *Aggregator) qtyDec(mantissa uint64) decimal.Decimal {
	return decimal.New(int64(mantissa), int32(a.cfg.QtyTick))
}

func (a *Aggregator) qtyFixed(mantissa uint32) fixedpoint.Quantity {
	q, _ := fixedpoint.New(mantissa, a.cfg.QtyTick)
	return q
}

func (a *Aggregator) parsePrice(e *changelog.Entry, name string) (fixedpoint.Price, error) {
	p, err := fixedpoint.Parse(fieldNew(e, name), a.cfg.PriceTick)
	if err != nil {
		return 0, fmt.Errorf("%w: %s in %s %d", ErrBadEntry, name, e.EntityType, e.EntityID)
	}
	return p, nil
}

func (a *Aggregator) parseQty(e *changelog.Entry, name string) (fixedpoint.Quantity, error) {
	q, err := fixedpoint.Parse(fieldNew(e, name), a.cfg.QtyTick)
	if err != nil {
		return 0, fmt.Errorf("%w: %s in %s %d", ErrBadEntry, name, e.EntityType, e.EntityID)
	}
	return q, nil
}

func fieldNew(e *changelog.Entry, name string) string {
	if fc, ok := e.Field(name); ok {
		return fc.New
	}
	return ""
}

func parseUintField(e *changelog.Entry, name string) (uint64, error) {
	return strconv.ParseUint(fieldNew(e, name), 10, 64)
}
