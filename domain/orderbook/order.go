package orderbook

import (
	"strconv"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
)

// Side is the order direction.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the side an order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide reads the string form produced by Side.String.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	default:
		return 0, false
	}
}

// Type selects the execution behavior of an incoming order.
type Type uint8

const (
	Limit Type = iota
	Market
	IOC
	FOK
	PostOnly
)

func (t Type) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case IOC:
		return "ioc"
	case FOK:
		return "fok"
	case PostOnly:
		return "post_only"
	default:
		return "unknown"
	}
}

// ParseType reads the string form produced by Type.String.
func ParseType(s string) (Type, bool) {
	switch s {
	case "limit":
		return Limit, true
	case "market":
		return Market, true
	case "ioc":
		return IOC, true
	case "fok":
		return FOK, true
	case "post_only":
		return PostOnly, true
	default:
		return 0, false
	}
}

// Status is the order lifecycle state. Filled and Canceled are terminal;
// no transition leaves a terminal state.
type Status uint8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Canceled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ParseStatus reads the string form produced by Status.String.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "open":
		return Open, true
	case "partially_filled":
		return PartiallyFilled, true
	case "filled":
		return Filled, true
	case "canceled":
		return Canceled, true
	default:
		return 0, false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s Status) Terminal() bool { return s == Filled || s == Canceled }

// Order is a resting or incoming intent to trade. While resting it is owned
// exclusively by its symbol's book; every mutation is snapshotted into a
// change record before the next command runs. Price and quantities are
// normalized to the symbol's tick powers on admission.
type Order struct {
	ID     uint64
	UserID uint64
	Symbol string
	Side   Side
	Type   Type
	Price  fixedpoint.Price // zero mantissa for market orders
	Qty    fixedpoint.Quantity
	Filled fixedpoint.Quantity
	Status Status
	Time   int64

	// intrusive FIFO links within a price level
	next *Order
	prev *Order
}

// RemainingMantissa is the unfilled quantity in the symbol's quantity ticks.
func (o *Order) RemainingMantissa() uint32 {
	return o.Qty.Mantissa() - o.Filled.Mantissa()
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() fixedpoint.Quantity {
	q, _ := fixedpoint.New(o.RemainingMantissa(), o.Qty.TickPower())
	return q
}

// Next walks the price level FIFO toward later arrivals.
func (o *Order) Next() *Order { return o.next }

// snapshot returns a detached copy for before/after diffing.
func (o *Order) snapshot() Order {
	c := *o
	c.next, c.prev = nil, nil
	return c
}

// changelog.Entity implementation. Field order is fixed; values round-trip
// through the fixed-point codec so replay rebuilds identical packed state.

func (o *Order) ChangeEntityType() changelog.EntityType { return changelog.EntityOrder }
func (o *Order) ChangeEntityID() uint64                 { return o.ID }
func (o *Order) ChangeSymbol() string                   { return o.Symbol }

func (o *Order) ChangeFields() []changelog.Field {
	return []changelog.Field{
		{Name: "user_id", Value: strconv.FormatUint(o.UserID, 10)},
		{Name: "side", Value: o.Side.String()},
		{Name: "type", Value: o.Type.String()},
		{Name: "price", Value: o.Price.String()},
		{Name: "quantity", Value: o.Qty.String()},
		{Name: "filled_quantity", Value: o.Filled.String()},
		{Name: "status", Value: o.Status.String()},
	}
}
