package orderbook

import (
	"strconv"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
)

// Trade is the immutable result of matching two orders. The maker and taker
// are referenced by ID only; the trade never owns either order. Price is
// always the resting (maker) side's price.
type Trade struct {
	ID           uint64
	Symbol       string
	Price        fixedpoint.Price
	Qty          fixedpoint.Quantity
	MakerOrderID uint64
	TakerOrderID uint64
	TakerSide    Side
	Time         int64
}

func (t *Trade) ChangeEntityType() changelog.EntityType { return changelog.EntityTrade }
func (t *Trade) ChangeEntityID() uint64                 { return t.ID }
func (t *Trade) ChangeSymbol() string                   { return t.Symbol }

func (t *Trade) ChangeFields() []changelog.Field {
	return []changelog.Field{
		{Name: "price", Value: t.Price.String()},
		{Name: "quantity", Value: t.Qty.String()},
		{Name: "maker_order_id", Value: strconv.FormatUint(t.MakerOrderID, 10)},
		{Name: "taker_order_id", Value: strconv.FormatUint(t.TakerOrderID, 10)},
		{Name: "taker_side", Value: t.TakerSide.String()},
	}
}
