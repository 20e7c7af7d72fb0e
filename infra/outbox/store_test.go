package outbox

import (
	"errors"
	"testing"

	"fenrir/domain/changelog"
	"fenrir/infra/wal"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLifecycle(t *testing.T) {
	s := openStore(t)

	if err := s.PutNew("BTC-USDT", 1, []byte("payload-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := s.Get("BTC-USDT", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != StateNew || rec.Retries != 0 || string(rec.Payload) != "payload-1" {
		t.Fatalf("fresh record = %+v", rec)
	}

	if err := s.MarkSent("BTC-USDT", 1); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	rec, _ = s.Get("BTC-USDT", 1)
	if rec.State != StateSent || rec.Retries != 1 || rec.LastAttempt == 0 {
		t.Fatalf("sent record = %+v", rec)
	}

	if err := s.MarkAcked("BTC-USDT", 1); err != nil {
		t.Fatalf("mark acked: %v", err)
	}
	rec, _ = s.Get("BTC-USDT", 1)
	if rec.State != StateAcked || string(rec.Payload) != "payload-1" {
		t.Fatalf("acked record = %+v", rec)
	}

	if err := s.Delete("BTC-USDT", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("BTC-USDT", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted err = %v, want ErrNotFound", err)
	}
}

func TestScanPendingOrderAndRetry(t *testing.T) {
	s := openStore(t)

	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.PutNew("BTC-USDT", seq, []byte{byte(seq)}); err != nil {
			t.Fatalf("put %d: %v", seq, err)
		}
	}
	// 2 was delivered and acked; 3 was sent but never acked
	if err := s.MarkSent("BTC-USDT", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAcked("BTC-USDT", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSent("BTC-USDT", 3); err != nil {
		t.Fatal(err)
	}

	var got []uint64
	err := s.ScanPending(func(rec *Record) error {
		got = append(got, rec.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []uint64{1, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pending = %v, want %v", got, want)
		}
	}
}

func TestSweepAcked(t *testing.T) {
	s := openStore(t)

	for seq := uint64(1); seq <= 4; seq++ {
		if err := s.PutNew("BTC-USDT", seq, nil); err != nil {
			t.Fatal(err)
		}
	}
	for _, seq := range []uint64{1, 3} {
		if err := s.MarkSent("BTC-USDT", seq); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkAcked("BTC-USDT", seq); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.SweepAcked()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if _, err := s.Get("BTC-USDT", 1); !errors.Is(err, ErrNotFound) {
		t.Fatal("acked record survived sweep")
	}
	if _, err := s.Get("BTC-USDT", 2); err != nil {
		t.Fatalf("pending record removed by sweep: %v", err)
	}
}

func TestAppendStoresDecodableEntry(t *testing.T) {
	s := openStore(t)

	want := &changelog.Entry{
		EntityType: changelog.EntityTrade,
		EntityID:   42,
		Symbol:     "BTC-USDT",
		Op:         changelog.OpCreate,
		Seq:        9,
		Time:       1700000000000,
		Fields: []changelog.FieldChange{
			{Name: "price", New: "100.00"},
			{Name: "quantity", New: "4"},
		},
	}
	if err := s.Append(want); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec, err := s.Get("BTC-USDT", 9)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := wal.DecodeEntry(rec.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.EntityID != want.EntityID || got.Symbol != want.Symbol || got.Seq != want.Seq {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}
