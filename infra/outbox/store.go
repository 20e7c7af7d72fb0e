// Package outbox is the durable hand-off between the matching engine and
// downstream transports. Change records land here in state NEW; the relay
// job walks pending records, publishes them, and advances them through
// SENT to ACKED. A crash at any point re-delivers rather than loses.
package outbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"fenrir/domain/changelog"
	"fenrir/infra/wal"
)

// State is the delivery progress of one record.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotFound is returned for sequence numbers the store has never seen.
var ErrNotFound = errors.New("outbox: record not found")

// Record is one stored change record with its delivery metadata. Records
// are keyed by symbol and sequence number; scans therefore yield one
// symbol's records in sequence order, which is the only ordering the
// change stream guarantees.
type Record struct {
	Symbol      string
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// value encoding: [state:1][retries:4][lastAttempt:8][payload...]
const headerLen = 1 + 4 + 8

func encodeValue(r *Record) []byte {
	buf := make([]byte, headerLen+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[headerLen:], r.Payload)
	return buf
}

func decodeValue(symbol string, seq uint64, b []byte) (*Record, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("outbox: value for %s/%d is %d bytes", symbol, seq, len(b))
	}
	payload := make([]byte, len(b)-headerLen)
	copy(payload, b[headerLen:])
	return &Record{
		Symbol:      symbol,
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     payload,
	}, nil
}

func keyFor(symbol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("record/%s/%020d", symbol, seq))
}

func parseKey(b []byte) (string, uint64, error) {
	s := strings.TrimPrefix(string(b), "record/")
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return "", 0, fmt.Errorf("outbox: malformed key %q", b)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	return s[:i], seq, err
}

// Store is a pebble-backed outbox keyed by change-record sequence number.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the outbox database.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append stores a change record in state NEW. It satisfies changelog.Sink
// so the engine can fan records directly into the outbox.
func (s *Store) Append(e *changelog.Entry) error {
	return s.PutNew(e.Symbol, e.Seq, wal.EncodeEntry(e))
}

// PutNew inserts a freshly emitted record.
func (s *Store) PutNew(symbol string, seq uint64, payload []byte) error {
	rec := &Record{Symbol: symbol, Seq: seq, State: StateNew, Payload: payload}
	return s.db.Set(keyFor(symbol, seq), encodeValue(rec), pebble.Sync)
}

// Get returns one record.
func (s *Store) Get(symbol string, seq uint64) (*Record, error) {
	val, closer, err := s.db.Get(keyFor(symbol, seq))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s seq %d", ErrNotFound, symbol, seq)
		}
		return nil, err
	}
	defer closer.Close()
	return decodeValue(symbol, seq, val)
}

// MarkSent records a delivery attempt and bumps the retry counter.
func (s *Store) MarkSent(symbol string, seq uint64) error {
	return s.transition(symbol, seq, StateSent, true)
}

// MarkAcked records transport acknowledgement.
func (s *Store) MarkAcked(symbol string, seq uint64) error {
	return s.transition(symbol, seq, StateAcked, false)
}

func (s *Store) transition(symbol string, seq uint64, state State, attempt bool) error {
	rec, err := s.Get(symbol, seq)
	if err != nil {
		return err
	}
	rec.State = state
	if attempt {
		rec.Retries++
		rec.LastAttempt = time.Now().UnixNano()
	}
	return s.db.Set(keyFor(symbol, seq), encodeValue(rec), pebble.Sync)
}

// Delete removes one record, normally after acknowledgement.
func (s *Store) Delete(symbol string, seq uint64) error {
	return s.db.Delete(keyFor(symbol, seq), pebble.Sync)
}

// ScanPending visits NEW and SENT records in sequence order. SENT records
// are included so interrupted deliveries are retried after a restart.
func (s *Store) ScanPending(fn func(*Record) error) error {
	return s.scan(func(rec *Record) error {
		if rec.State == StateAcked {
			return nil
		}
		return fn(rec)
	})
}

// SweepAcked deletes acknowledged records and returns how many it removed.
func (s *Store) SweepAcked() (int, error) {
	var acked []*Record
	err := s.scan(func(rec *Record) error {
		if rec.State == StateAcked {
			acked = append(acked, rec)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, rec := range acked {
		if err := s.Delete(rec.Symbol, rec.Seq); err != nil {
			return 0, err
		}
	}
	return len(acked), nil
}

func (s *Store) scan(fn func(*Record) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("record/"),
		UpperBound: []byte("record/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		symbol, seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeValue(symbol, seq, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}
