package orderbook

import (
	"fmt"
	"strconv"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
)

// ReconstructOrder rebuilds an order from its ordered change stream. The
// stream must validate (leading create, ascending sequence, one identity);
// field values are parsed back through the fixed-point codec at the symbol's
// tick powers so the result is bit-identical to the order that was tracked.
func ReconstructOrder(entries []*changelog.Entry, priceTick, qtyTick int8) (*Order, error) {
	fields, err := changelog.ReplayFields(entries)
	if err != nil {
		return nil, err
	}
	head := entries[0]
	if head.EntityType != changelog.EntityOrder {
		return nil, fmt.Errorf("%w: entity type %s", changelog.ErrReplay, head.EntityType)
	}

	o := &Order{
		ID:     head.EntityID,
		Symbol: head.Symbol,
		Time:   head.Time,
	}
	if o.UserID, err = strconv.ParseUint(fields["user_id"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: user_id %q", changelog.ErrReplay, fields["user_id"])
	}
	var ok bool
	if o.Side, ok = ParseSide(fields["side"]); !ok {
		return nil, fmt.Errorf("%w: side %q", changelog.ErrReplay, fields["side"])
	}
	if o.Type, ok = ParseType(fields["type"]); !ok {
		return nil, fmt.Errorf("%w: type %q", changelog.ErrReplay, fields["type"])
	}
	if o.Status, ok = ParseStatus(fields["status"]); !ok {
		return nil, fmt.Errorf("%w: status %q", changelog.ErrReplay, fields["status"])
	}
	if o.Price, err = fixedpoint.Parse(fields["price"], priceTick); err != nil {
		return nil, fmt.Errorf("%w: price %q", changelog.ErrReplay, fields["price"])
	}
	if o.Qty, err = fixedpoint.Parse(fields["quantity"], qtyTick); err != nil {
		return nil, fmt.Errorf("%w: quantity %q", changelog.ErrReplay, fields["quantity"])
	}
	if o.Filled, err = fixedpoint.Parse(fields["filled_quantity"], qtyTick); err != nil {
		return nil, fmt.Errorf("%w: filled_quantity %q", changelog.ErrReplay, fields["filled_quantity"])
	}
	return o, nil
}
