package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fenrir/domain/changelog"
)

func entry(seq uint64) *changelog.Entry {
	return &changelog.Entry{
		EntityType: changelog.EntityOrder,
		EntityID:   seq * 10,
		Symbol:     "BTC-USDT",
		Op:         changelog.OpUpdate,
		Seq:        seq,
		Time:       1700000000000 + int64(seq),
		Fields: []changelog.FieldChange{
			{Name: "filled_quantity", Old: "0", New: "4"},
			{Name: "status", Old: "open", New: "partially_filled"},
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	want := entry(7)
	got, err := DecodeEntry(EncodeEntry(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EntityType != want.EntityType || got.EntityID != want.EntityID ||
		got.Symbol != want.Symbol || got.Op != want.Op ||
		got.Seq != want.Seq || got.Time != want.Time {
		t.Fatalf("header mismatch: %+v vs %+v", got, want)
	}
	if len(got.Fields) != len(want.Fields) {
		t.Fatalf("fields = %d, want %d", len(got.Fields), len(want.Fields))
	}
	for i := range want.Fields {
		if got.Fields[i] != want.Fields[i] {
			t.Fatalf("field %d = %+v, want %+v", i, got.Fields[i], want.Fields[i])
		}
	}
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for seq := uint64(1); seq <= 50; seq++ {
		if err := l.Append(entry(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l, err = Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if l.LastSeq() != 50 {
		t.Fatalf("recovered lastSeq = %d, want 50", l.LastSeq())
	}

	var next uint64 = 1
	err = l.Replay(func(e *changelog.Entry) error {
		if e.Seq != next {
			t.Fatalf("replayed seq %d, want %d", e.Seq, next)
		}
		next++
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if next != 51 {
		t.Fatalf("replayed %d records, want 50", next-1)
	}
}

func TestRejectsNonMonotonicSeq(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	if err := l.Append(entry(5)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(entry(5)); !errors.Is(err, changelog.ErrReplay) {
		t.Fatalf("duplicate seq err = %v, want ErrReplay", err)
	}
	if err := l.Append(entry(3)); !errors.Is(err, changelog.ErrReplay) {
		t.Fatalf("regressing seq err = %v, want ErrReplay", err)
	}
}

func TestRotationAndTruncate(t *testing.T) {
	dir := t.TempDir()
	// tiny segments force a rotation every few records
	l, err := Open(Config{Dir: dir, SegmentSize: 256, SegmentDuration: time.Hour})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for seq := uint64(1); seq <= 30; seq++ {
		if err := l.Append(entry(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	index, err := loadIndex(dir)
	if err != nil || len(index) == 0 {
		t.Fatalf("index = %v entries, err %v; want sealed segments", len(index), err)
	}
	for i, seg := range index {
		if seg.FirstSeq > seg.LastSeq {
			t.Fatalf("segment %d has empty range %d-%d", i, seg.FirstSeq, seg.LastSeq)
		}
	}

	// everything must still replay in order across segment boundaries
	var count int
	if err := l.Replay(func(*changelog.Entry) error { count++; return nil }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 30 {
		t.Fatalf("replayed %d, want 30", count)
	}

	cutoff := index[0].LastSeq + 1
	if err := l.TruncateBefore(cutoff); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, index[0].File)); !os.IsNotExist(err) {
		t.Fatalf("segment %s survived truncation", index[0].File)
	}

	count = 0
	var first uint64
	if err := l.Replay(func(e *changelog.Entry) error {
		if first == 0 {
			first = e.Seq
		}
		count++
		return nil
	}); err != nil {
		t.Fatalf("replay after truncate: %v", err)
	}
	if first < cutoff {
		t.Fatalf("replay starts at %d, want >= %d", first, cutoff)
	}
	if count == 0 {
		t.Fatal("nothing left after truncation")
	}
	l.Close()
}

func TestTornTailTruncatedOnOpen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for seq := uint64(1); seq <= 5; seq++ {
		if err := l.Append(entry(seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// simulate a crash mid-write by appending half a frame
	path := filepath.Join(dir, currentSegment)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0xde, 0xad}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	l, err = Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen over torn tail: %v", err)
	}
	defer l.Close()
	if l.LastSeq() != 5 {
		t.Fatalf("lastSeq = %d, want 5", l.LastSeq())
	}

	// the log must accept new appends cleanly after truncation
	if err := l.Append(entry(6)); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	var count int
	if err := l.Replay(func(*changelog.Entry) error { count++; return nil }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 6 {
		t.Fatalf("replayed %d, want 6", count)
	}
}
