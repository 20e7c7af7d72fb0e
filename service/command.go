package service

import (
	"fenrir/domain/fixedpoint"
	"fenrir/domain/orderbook"
	"fenrir/infra/checkpoint"
)

// Meta is the caller-supplied envelope on every command. Nonce plus UserID
// identify a mutating command for idempotency; an empty nonce opts out.
type Meta struct {
	Nonce  string
	UserID uint64
	Time   int64 // unix ns, 0 lets the engine stamp it
}

// PlaceOrder asks for a new order. Price and Qty are decimal strings and
// are validated against the symbol's tick powers at the dispatch boundary.
type PlaceOrder struct {
	Meta
	Symbol string
	Side   string
	Type   string
	Price  string // ignored for market orders
	Qty    string
}

// CancelOrder asks to cancel a resting order.
type CancelOrder struct {
	Meta
	Symbol  string
	OrderID uint64
}

// ListenKeyRequest manages a user-data subscription session.
type ListenKeyRequest struct {
	Meta
	Key string // empty on create
}

// OrderState is the externally visible snapshot of one order.
type OrderState struct {
	OrderID uint64
	Symbol  string
	Side    string
	Type    string
	Price   string
	Qty     string
	Filled  string
	Status  string
}

// TradeFill is one execution produced by a place command.
type TradeFill struct {
	TradeID      uint64
	Price        string
	Qty          string
	MakerOrderID uint64
	TakerOrderID uint64
}

// PlaceResult is the response payload of a place command.
type PlaceResult struct {
	Order  OrderState
	Trades []TradeFill
}

// CancelResult is the response payload of a cancel command.
type CancelResult struct {
	OrderID uint64
	Status  string
}

// ListenKeyResult is the response payload of listen-key commands.
type ListenKeyResult struct {
	Key       string
	ExpiresAt int64 // unix ns
}

// Response is the success envelope: exactly one payload field is set.
// Duplicate marks a response replayed for a repeated nonce.
type Response struct {
	Duplicate bool
	Place     *PlaceResult
	Cancel    *CancelResult
	Query     *OrderState
	ListenKey *ListenKeyResult
}

// command is the internal envelope queued on a symbol's ring. Exactly one
// payload pointer is set; done receives the single outcome.
type command struct {
	place      *placeCmd
	cancel     *cancelCmd
	query      *queryCmd
	checkpoint *checkpointCmd
	done       chan outcome
}

type placeCmd struct {
	userID uint64
	time   int64
	side   orderbook.Side
	typ    orderbook.Type
	price  fixedpoint.Price
	qty    fixedpoint.Quantity
}

type cancelCmd struct {
	orderID uint64
}

type queryCmd struct {
	orderID uint64
}

// checkpointCmd rides the ring so the book image is cut on the writer
// goroutine, between commands.
type checkpointCmd struct{}

type outcome struct {
	resp *Response
	snap *checkpoint.Snapshot
	err  error
}

func orderState(o *orderbook.Order) OrderState {
	return OrderState{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side.String(),
		Type:    o.Type.String(),
		Price:   o.Price.String(),
		Qty:     o.Qty.String(),
		Filled:  o.Filled.String(),
		Status:  o.Status.String(),
	}
}
