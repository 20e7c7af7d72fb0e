// Package marketdata maintains L1/L2/L3 views of a symbol's book by
// observing its change-record stream. It never reads or mutates the book
// itself; replaying the same records always produces the same views.
package marketdata

import (
	"github.com/shopspring/decimal"

	"fenrir/domain/fixedpoint"
	"fenrir/domain/orderbook"
)

// EventKind discriminates delta events.
type EventKind uint8

const (
	// KindBBO is a top-of-book change (best bid, best ask or last price).
	KindBBO EventKind = iota
	// KindDepth is an aggregate quantity change at one price level.
	KindDepth
	// KindOrder is a per-order change at one price level.
	KindOrder
	// KindTrade is an executed trade.
	KindTrade
)

func (k EventKind) String() string {
	switch k {
	case KindBBO:
		return "bbo"
	case KindDepth:
		return "depth"
	case KindOrder:
		return "order"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Event is one delta in a symbol's market-data stream. Events carry the
// sequence number of the change record that produced them; a consumer that
// observes a gap in Seq has missed deltas and must resynchronize from a
// snapshot.
type Event struct {
	Kind   EventKind
	Symbol string
	Seq    uint64
	Time   int64

	// KindDepth, KindOrder, KindTrade. Qty is the level aggregate for
	// depth events, which can exceed the packed codec's mantissa range.
	Side  orderbook.Side
	Price fixedpoint.Price
	Qty   decimal.Decimal

	// KindOrder
	OrderID uint64
	Removed bool

	// KindTrade
	MakerOrderID uint64
	TakerOrderID uint64

	// KindBBO
	BBO *Level1
}

// Level1 is a point-in-time best bid/offer snapshot.
type Level1 struct {
	Symbol  string
	Seq     uint64
	Bid     fixedpoint.Price
	BidQty  decimal.Decimal
	HasBid  bool
	Ask     fixedpoint.Price
	AskQty  decimal.Decimal
	HasAsk  bool
	Last    fixedpoint.Price
	HasLast bool
}

// LevelView is one aggregated price level of an L2 snapshot.
type LevelView struct {
	Price  fixedpoint.Price
	Qty    decimal.Decimal
	Orders int
}

// Level2 is a depth snapshot, best levels first on both sides.
type Level2 struct {
	Symbol string
	Seq    uint64
	Bids   []LevelView
	Asks   []LevelView
}

// OrderView is one resting order of an L3 snapshot, in time priority.
type OrderView struct {
	OrderID   uint64
	Remaining fixedpoint.Quantity
}

// BookLevel is one price level of an L3 snapshot with its order queue.
type BookLevel struct {
	Price  fixedpoint.Price
	Orders []OrderView
}

// Level3 is a full-order-book snapshot, best levels first on both sides.
type Level3 struct {
	Symbol string
	Seq    uint64
	Bids   []BookLevel
	Asks   []BookLevel
}
