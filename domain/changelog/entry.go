// Package changelog captures every entity mutation as an append-only change
// record, the seam between in-memory matching and durable audit storage.
// Records are immutable once emitted; replaying an ordered stream from empty
// state reconstructs the exact entity state that produced it.
package changelog

import "errors"

var (
	// ErrReplay marks a change stream that cannot be reconstructed:
	// missing Create, broken sequence order, or mismatched identity.
	ErrReplay = errors.New("changelog: stream cannot be replayed")

	// ErrNoChanges is returned when a tracked update diffs to nothing.
	ErrNoChanges = errors.New("changelog: no changes detected")
)

// EntityType identifies the kind of tracked entity.
type EntityType uint8

const (
	EntityOrder EntityType = iota
	EntityTrade
)

func (t EntityType) String() string {
	switch t {
	case EntityOrder:
		return "order"
	case EntityTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Op is the mutation kind recorded by an entry.
type Op uint8

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Field is one named value of an entity snapshot. Values are rendered as
// strings by the entity itself (prices through the fixed-point codec), so
// rebuilding from a record is exact.
type Field struct {
	Name  string
	Value string
}

// FieldChange records one field's transition. Old is empty for creates.
type FieldChange struct {
	Name string
	Old  string
	New  string
}

// Entry is one immutable change record. Seq is strictly increasing within a
// symbol's stream and orders both audit replay and market-data deltas.
type Entry struct {
	EntityType EntityType
	EntityID   uint64
	Symbol     string
	Op         Op
	Seq        uint64
	Time       int64
	Fields     []FieldChange
}

// Field returns the change for the named field, if present.
func (e *Entry) Field(name string) (FieldChange, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldChange{}, false
}

// Entity is implemented by anything the tracker can snapshot. Fields must
// return a stable ordering so diffs are deterministic.
type Entity interface {
	ChangeEntityType() EntityType
	ChangeEntityID() uint64
	ChangeSymbol() string
	ChangeFields() []Field
}

// Sink receives entries in the exact order their mutations occurred.
// Implementations must preserve that order; durability is their concern,
// never the matcher's.
type Sink interface {
	Append(*Entry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(*Entry) error

func (f SinkFunc) Append(e *Entry) error { return f(e) }

// MultiSink fans one stream out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Append(e *Entry) error {
	for _, s := range m {
		if err := s.Append(e); err != nil {
			return err
		}
	}
	return nil
}
