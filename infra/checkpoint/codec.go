package checkpoint

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers of a checkpoint body. Plain protobuf, same framing
// discipline as the change log records.
const (
	fieldSymbol    = 1
	fieldSeq       = 2
	fieldTime      = 3
	fieldLastPrice = 4
	fieldOrder     = 5

	orderID     = 1
	orderUserID = 2
	orderSide   = 3
	orderType   = 4
	orderPrice  = 5
	orderQty    = 6
	orderFilled = 7
	orderStatus = 8
	orderTime   = 9
)

func encodeSnapshot(s *Snapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSymbol, protowire.BytesType)
	b = protowire.AppendString(b, s.Symbol)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Seq)
	b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Time))
	if s.LastPrice != "" {
		b = protowire.AppendTag(b, fieldLastPrice, protowire.BytesType)
		b = protowire.AppendString(b, s.LastPrice)
	}
	for i := range s.Orders {
		b = protowire.AppendTag(b, fieldOrder, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOrder(&s.Orders[i]))
	}
	return b
}

func encodeOrder(o *OrderRecord) []byte {
	var m []byte
	m = protowire.AppendTag(m, orderID, protowire.VarintType)
	m = protowire.AppendVarint(m, o.ID)
	m = protowire.AppendTag(m, orderUserID, protowire.VarintType)
	m = protowire.AppendVarint(m, o.UserID)
	m = protowire.AppendTag(m, orderSide, protowire.BytesType)
	m = protowire.AppendString(m, o.Side)
	m = protowire.AppendTag(m, orderType, protowire.BytesType)
	m = protowire.AppendString(m, o.Type)
	m = protowire.AppendTag(m, orderPrice, protowire.BytesType)
	m = protowire.AppendString(m, o.Price)
	m = protowire.AppendTag(m, orderQty, protowire.BytesType)
	m = protowire.AppendString(m, o.Qty)
	m = protowire.AppendTag(m, orderFilled, protowire.BytesType)
	m = protowire.AppendString(m, o.Filled)
	m = protowire.AppendTag(m, orderStatus, protowire.BytesType)
	m = protowire.AppendString(m, o.Status)
	m = protowire.AppendTag(m, orderTime, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(o.Time))
	return m
}

func decodeSnapshot(body []byte) (*Snapshot, error) {
	s := &Snapshot{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrCorrupt)
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad varint for field %d", ErrCorrupt, num)
			}
			body = body[n:]
			switch num {
			case fieldSeq:
				s.Seq = v
			case fieldTime:
				s.Time = int64(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad bytes for field %d", ErrCorrupt, num)
			}
			body = body[n:]
			switch num {
			case fieldSymbol:
				s.Symbol = string(v)
			case fieldLastPrice:
				s.LastPrice = string(v)
			case fieldOrder:
				o, err := decodeOrder(v)
				if err != nil {
					return nil, err
				}
				s.Orders = append(s.Orders, o)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d", ErrCorrupt, num)
			}
			body = body[n:]
		}
	}
	return s, nil
}

func decodeOrder(body []byte) (OrderRecord, error) {
	var o OrderRecord
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return o, fmt.Errorf("%w: bad order tag", ErrCorrupt)
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return o, fmt.Errorf("%w: bad order varint", ErrCorrupt)
			}
			body = body[n:]
			switch num {
			case orderID:
				o.ID = v
			case orderUserID:
				o.UserID = v
			case orderTime:
				o.Time = int64(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return o, fmt.Errorf("%w: bad order bytes", ErrCorrupt)
			}
			body = body[n:]
			switch num {
			case orderSide:
				o.Side = string(v)
			case orderType:
				o.Type = string(v)
			case orderPrice:
				o.Price = string(v)
			case orderQty:
				o.Qty = string(v)
			case orderFilled:
				o.Filled = string(v)
			case orderStatus:
				o.Status = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return o, fmt.Errorf("%w: bad order field %d", ErrCorrupt, num)
			}
			body = body[n:]
		}
	}
	return o, nil
}
