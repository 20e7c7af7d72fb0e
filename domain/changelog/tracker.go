package changelog

import (
	"fmt"
	"time"
)

// SequenceProvider assigns stream positions to entries.
type SequenceProvider interface {
	Next() uint64
}

// Clock supplies entry timestamps; swappable for deterministic tests.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock in nanoseconds.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().UnixNano() }

// Tracker turns entity snapshots into ordered change records. Sequence and
// time providers are injected so replay tests can pin both.
type Tracker struct {
	seq   SequenceProvider
	clock Clock
}

// NewTracker wires a tracker to its providers.
func NewTracker(seq SequenceProvider, clock Clock) *Tracker {
	return &Tracker{seq: seq, clock: clock}
}

// TrackCreate records a freshly created entity with its full field set.
func (t *Tracker) TrackCreate(e Entity) *Entry {
	fields := e.ChangeFields()
	changes := make([]FieldChange, 0, len(fields))
	for _, f := range fields {
		changes = append(changes, FieldChange{Name: f.Name, New: f.Value})
	}
	return t.entry(e, OpCreate, changes)
}

// TrackUpdate diffs two snapshots of the same entity and records only the
// fields that changed.
func (t *Tracker) TrackUpdate(before, after Entity) (*Entry, error) {
	if before.ChangeEntityID() != after.ChangeEntityID() ||
		before.ChangeEntityType() != after.ChangeEntityType() {
		return nil, fmt.Errorf("%w: update across entity identities", ErrReplay)
	}

	old := before.ChangeFields()
	cur := after.ChangeFields()
	if len(old) != len(cur) {
		return nil, fmt.Errorf("%w: snapshot field sets differ", ErrReplay)
	}

	var changes []FieldChange
	for i, f := range cur {
		if old[i].Name != f.Name {
			return nil, fmt.Errorf("%w: snapshot field order differs", ErrReplay)
		}
		if old[i].Value != f.Value {
			changes = append(changes, FieldChange{
				Name: f.Name,
				Old:  old[i].Value,
				New:  f.Value,
			})
		}
	}
	if len(changes) == 0 {
		return nil, ErrNoChanges
	}
	return t.entry(after, OpUpdate, changes), nil
}

// TrackDelete records entity removal. Field values carry the final state so
// a deletion is auditable on its own.
func (t *Tracker) TrackDelete(e Entity) *Entry {
	fields := e.ChangeFields()
	changes := make([]FieldChange, 0, len(fields))
	for _, f := range fields {
		changes = append(changes, FieldChange{Name: f.Name, Old: f.Value})
	}
	return t.entry(e, OpDelete, changes)
}

func (t *Tracker) entry(e Entity, op Op, changes []FieldChange) *Entry {
	return &Entry{
		EntityType: e.ChangeEntityType(),
		EntityID:   e.ChangeEntityID(),
		Symbol:     e.ChangeSymbol(),
		Op:         op,
		Seq:        t.seq.Next(),
		Time:       t.clock.Now(),
		Fields:     changes,
	}
}

// ValidateHistory checks that entries form a replayable history for a single
// entity: a leading Create, strictly increasing sequence numbers, one
// identity throughout, and nothing after a Delete.
func ValidateHistory(entries []*Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty history", ErrReplay)
	}
	head := entries[0]
	if head.Op != OpCreate {
		return fmt.Errorf("%w: history must start with a create", ErrReplay)
	}
	lastSeq := head.Seq
	deleted := false
	for _, e := range entries[1:] {
		if e.EntityID != head.EntityID || e.EntityType != head.EntityType {
			return fmt.Errorf("%w: entry for entity %s/%d in history of %s/%d",
				ErrReplay, e.EntityType, e.EntityID, head.EntityType, head.EntityID)
		}
		if e.Seq <= lastSeq {
			return fmt.Errorf("%w: sequence %d not after %d", ErrReplay, e.Seq, lastSeq)
		}
		if deleted {
			return fmt.Errorf("%w: entry after delete", ErrReplay)
		}
		if e.Op == OpCreate {
			return fmt.Errorf("%w: duplicate create", ErrReplay)
		}
		if e.Op == OpDelete {
			deleted = true
		}
		lastSeq = e.Seq
	}
	return nil
}

// ReplayFields folds a validated history into the entity's final field
// values, keyed by field name.
func ReplayFields(entries []*Entry) (map[string]string, error) {
	if err := ValidateHistory(entries); err != nil {
		return nil, err
	}
	state := make(map[string]string)
	for _, e := range entries {
		if e.Op == OpDelete {
			break
		}
		for _, c := range e.Fields {
			state[c.Name] = c.New
		}
	}
	return state, nil
}
