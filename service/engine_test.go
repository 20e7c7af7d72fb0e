package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"fenrir/domain/marketdata"
	"fenrir/infra/checkpoint"
	"fenrir/infra/idgen"
	"fenrir/infra/wal"
)

func renderL2(l2 marketdata.Level2) string {
	var b strings.Builder
	for _, lv := range l2.Bids {
		fmt.Fprintf(&b, "bid %s %s %d\n", lv.Price, lv.Qty, lv.Orders)
	}
	for _, lv := range l2.Asks {
		fmt.Fprintf(&b, "ask %s %s %d\n", lv.Price, lv.Qty, lv.Orders)
	}
	return b.String()
}

func TestSubmitBackpressure(t *testing.T) {
	eng := NewEngine(EngineConfig{
		Symbol: testSymbol, PriceTick: -2, QtyTick: -1, QueueSize: 2,
	}, idgen.NewGenerators(1), nil, nil)
	// no Run loop: the ring only fills

	for i := 0; i < 2; i++ {
		if err := eng.submit(&command{query: &queryCmd{orderID: 1}, done: make(chan outcome, 1)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	err := eng.submit(&command{query: &queryCmd{orderID: 1}, done: make(chan outcome, 1)})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submit on full ring: %v, want ErrQueueFull", err)
	}

	d := NewDispatcher(nil, 0)
	d.Register(eng)
	if _, err := d.QueryOrder(testSymbol, 1); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("dispatch on full ring: %v, want ErrQueueFull", err)
	}
}

func TestRecoverRebuildsBookAndViews(t *testing.T) {
	dir := t.TempDir()
	first, err := wal.Open(wal.Config{Dir: dir})
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	cfg := EngineConfig{Symbol: testSymbol, PriceTick: -2, QtyTick: -1, QueueSize: 64}
	eng := NewEngine(cfg, idgen.NewGenerators(1), nil, first)
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	d := NewDispatcher(nil, 0)
	d.Register(eng)

	if _, err := d.PlaceOrder(PlaceOrder{
		Meta: Meta{UserID: 1}, Symbol: testSymbol,
		Side: "sell", Type: "limit", Price: "100.00", Qty: "4.0",
	}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	taker, err := d.PlaceOrder(PlaceOrder{
		Meta: Meta{UserID: 2}, Symbol: testSymbol,
		Side: "buy", Type: "limit", Price: "101.00", Qty: "6.0",
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	gone, err := d.PlaceOrder(PlaceOrder{
		Meta: Meta{UserID: 3}, Symbol: testSymbol,
		Side: "buy", Type: "limit", Price: "98.00", Qty: "3.0",
	})
	if err != nil {
		t.Fatalf("low bid: %v", err)
	}
	if _, err := d.CancelOrder(CancelOrder{
		Meta: Meta{UserID: 3}, Symbol: testSymbol, OrderID: gone.Place.Order.OrderID,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	wantL2 := renderL2(eng.Aggregator().QueryLevel2(0))
	cancel()
	if err := first.Close(); err != nil {
		t.Fatalf("close wal: %v", err)
	}

	reopened, err := wal.Open(wal.Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer reopened.Close()
	restored := NewEngine(cfg, idgen.NewGenerators(2), nil, reopened)
	if err := restored.Recover(reopened, nil); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if got := renderL2(restored.Aggregator().QueryLevel2(0)); got != wantL2 {
		t.Fatalf("recovered depth mismatch:\ngot:\n%swant:\n%s", got, wantL2)
	}
	bid, ok := restored.book.BestBid()
	if !ok || !bid.Equal(mustParse(t, "101.00", -2)) {
		t.Fatalf("best bid after recovery = %v (%v)", bid, ok)
	}
	if _, ok := restored.book.BestAsk(); ok {
		t.Fatal("asks should be empty after recovery")
	}
	last, ok := restored.book.LastPrice()
	if !ok || !last.Equal(mustParse(t, "100.00", -2)) {
		t.Fatalf("last price after recovery = %v (%v)", last, ok)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	go restored.Run(ctx2)
	t.Cleanup(cancel2)
	d2 := NewDispatcher(nil, 0)
	d2.Register(restored)

	q, err := d2.QueryOrder(testSymbol, taker.Place.Order.OrderID)
	if err != nil {
		t.Fatalf("query restored order: %v", err)
	}
	if q.Query.Status != "partially_filled" || q.Query.Filled != "4" {
		t.Fatalf("restored order state: %+v", q.Query)
	}

	seqBefore := reopened.LastSeq()
	resp, err := d2.PlaceOrder(PlaceOrder{
		Meta: Meta{UserID: 4}, Symbol: testSymbol,
		Side: "sell", Type: "limit", Price: "101.00", Qty: "2.0",
	})
	if err != nil {
		t.Fatalf("post-recovery place: %v", err)
	}
	if len(resp.Place.Trades) != 1 {
		t.Fatalf("post-recovery trades = %d, want 1", len(resp.Place.Trades))
	}
	if reopened.LastSeq() <= seqBefore {
		t.Fatal("change log did not advance after recovery")
	}
}

func TestCheckpointRecoveryAfterTruncation(t *testing.T) {
	dir := t.TempDir()
	// tiny segments so the pre-checkpoint history really leaves the log
	first, err := wal.Open(wal.Config{Dir: dir, SegmentSize: 256})
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	cfg := EngineConfig{Symbol: testSymbol, PriceTick: -2, QtyTick: -1, QueueSize: 64}
	eng := NewEngine(cfg, idgen.NewGenerators(1), nil, first)
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	d := NewDispatcher(nil, 0)
	d.Register(eng)

	place := func(side, price, qty string, user uint64) *Response {
		t.Helper()
		resp, err := d.PlaceOrder(PlaceOrder{
			Meta: Meta{UserID: user}, Symbol: testSymbol,
			Side: side, Type: "limit", Price: price, Qty: qty,
		})
		if err != nil {
			t.Fatalf("place %s %s: %v", side, price, err)
		}
		return resp
	}

	place("sell", "100.00", "4.0", 1)
	place("buy", "100.00", "4.0", 2) // trades, sets last price
	resting := place("buy", "99.00", "5.0", 3)
	place("sell", "101.00", "2.0", 4)

	snap, err := eng.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(snap.Orders) != 2 {
		t.Fatalf("checkpoint orders = %d, want 2", len(snap.Orders))
	}
	ckptPath := filepath.Join(dir, "book.ckpt")
	if err := checkpoint.Write(ckptPath, snap); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	if err := first.TruncateBefore(snap.Seq + 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	// activity after the checkpoint, preserved only in the log tail
	if _, err := d.CancelOrder(CancelOrder{
		Meta: Meta{UserID: 3}, Symbol: testSymbol, OrderID: resting.Place.Order.OrderID,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	place("buy", "98.00", "1.0", 5)

	wantL2 := renderL2(eng.Aggregator().QueryLevel2(0))
	wantLast, _ := eng.book.LastPrice()
	cancel()
	if err := first.Close(); err != nil {
		t.Fatalf("close wal: %v", err)
	}

	reopened, err := wal.Open(wal.Config{Dir: dir, SegmentSize: 256})
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer reopened.Close()
	loaded, err := checkpoint.Load(ckptPath)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if loaded == nil || loaded.Seq != snap.Seq {
		t.Fatalf("loaded checkpoint = %+v", loaded)
	}

	restored := NewEngine(cfg, idgen.NewGenerators(2), nil, reopened)
	if err := restored.Recover(reopened, loaded); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if got := renderL2(restored.Aggregator().QueryLevel2(0)); got != wantL2 {
		t.Fatalf("depth after checkpoint recovery:\ngot:\n%swant:\n%s", got, wantL2)
	}
	last, ok := restored.book.LastPrice()
	if !ok || !last.Equal(wantLast) {
		t.Fatalf("last price = %v (%v), want %v", last, ok, wantLast)
	}
	if restored.seq.Current() < snap.Seq {
		t.Fatalf("sequencer = %d, behind checkpoint %d", restored.seq.Current(), snap.Seq)
	}
}
