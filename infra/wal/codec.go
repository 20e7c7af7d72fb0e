package wal

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"fenrir/domain/changelog"
)

// ErrCorruptRecord marks a frame whose length, checksum or body cannot be
// decoded. Replay stops at the first corrupt frame of the newest segment
// and fails hard anywhere else.
var ErrCorruptRecord = errors.New("wal: corrupt record")

// Wire field numbers of an encoded change record. The layout is plain
// protobuf so external consumers can decode the stream with a .proto
// description of the same shape.
const (
	fieldEntityType = 1
	fieldEntityID   = 2
	fieldSymbol     = 3
	fieldOp         = 4
	fieldSeq        = 5
	fieldTime       = 6
	fieldChange     = 7

	changeName = 1
	changeOld  = 2
	changeNew  = 3
)

// EncodeEntry renders a change record as a protobuf message body.
func EncodeEntry(e *changelog.Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEntityType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.EntityType))
	b = protowire.AppendTag(b, fieldEntityID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.EntityID)
	b = protowire.AppendTag(b, fieldSymbol, protowire.BytesType)
	b = protowire.AppendString(b, e.Symbol)
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Op))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Seq)
	b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Time))
	for _, fc := range e.Fields {
		var m []byte
		m = protowire.AppendTag(m, changeName, protowire.BytesType)
		m = protowire.AppendString(m, fc.Name)
		m = protowire.AppendTag(m, changeOld, protowire.BytesType)
		m = protowire.AppendString(m, fc.Old)
		m = protowire.AppendTag(m, changeNew, protowire.BytesType)
		m = protowire.AppendString(m, fc.New)
		b = protowire.AppendTag(b, fieldChange, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// DecodeEntry parses a message body produced by EncodeEntry.
func DecodeEntry(body []byte) (*changelog.Entry, error) {
	e := &changelog.Entry{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrCorruptRecord)
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad varint for field %d", ErrCorruptRecord, num)
			}
			body = body[n:]
			switch num {
			case fieldEntityType:
				e.EntityType = changelog.EntityType(v)
			case fieldEntityID:
				e.EntityID = v
			case fieldOp:
				e.Op = changelog.Op(v)
			case fieldSeq:
				e.Seq = v
			case fieldTime:
				e.Time = int64(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad bytes for field %d", ErrCorruptRecord, num)
			}
			body = body[n:]
			switch num {
			case fieldSymbol:
				e.Symbol = string(v)
			case fieldChange:
				fc, err := decodeFieldChange(v)
				if err != nil {
					return nil, err
				}
				e.Fields = append(e.Fields, fc)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d", ErrCorruptRecord, num)
			}
			body = body[n:]
		}
	}
	return e, nil
}

func decodeFieldChange(body []byte) (changelog.FieldChange, error) {
	var fc changelog.FieldChange
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 || typ != protowire.BytesType {
			return fc, fmt.Errorf("%w: bad field change", ErrCorruptRecord)
		}
		body = body[n:]
		v, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return fc, fmt.Errorf("%w: bad field change value", ErrCorruptRecord)
		}
		body = body[n:]
		switch num {
		case changeName:
			fc.Name = string(v)
		case changeOld:
			fc.Old = string(v)
		case changeNew:
			fc.New = string(v)
		}
	}
	return fc, nil
}
