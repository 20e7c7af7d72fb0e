package orderbook

import (
	"math/rand"
	"sort"
	"testing"

	"fenrir/domain/fixedpoint"
)

func collectAscending(tr *RBTree) []int64 {
	var out []int64
	tr.ForEachAscending(func(l *PriceLevel) bool {
		out = append(out, l.Price)
		return true
	})
	return out
}

func TestRBTreeOrderedTraversal(t *testing.T) {
	tr := NewRBTree()
	rng := rand.New(rand.NewSource(1))

	seen := map[int64]bool{}
	for i := 0; i < 500; i++ {
		p := int64(rng.Intn(1000))
		tr.UpsertLevel(p)
		seen[p] = true
	}
	want := make([]int64, 0, len(seen))
	for p := range seen {
		want = append(want, p)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	got := collectAscending(tr)
	if len(got) != len(want) {
		t.Fatalf("size = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ascending[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if tr.MinLevel().Price != want[0] || tr.MaxLevel().Price != want[len(want)-1] {
		t.Fatalf("min/max = %d/%d, want %d/%d",
			tr.MinLevel().Price, tr.MaxLevel().Price, want[0], want[len(want)-1])
	}
}

func TestRBTreeDelete(t *testing.T) {
	tr := NewRBTree()
	for p := int64(1); p <= 100; p++ {
		tr.UpsertLevel(p)
	}
	rng := rand.New(rand.NewSource(2))
	alive := map[int64]bool{}
	for p := int64(1); p <= 100; p++ {
		alive[p] = true
	}
	for p := range alive {
		if rng.Intn(2) == 0 {
			tr.DeleteLevel(p)
			delete(alive, p)
		}
	}

	if tr.Size() != len(alive) {
		t.Fatalf("size = %d, want %d", tr.Size(), len(alive))
	}
	for _, p := range collectAscending(tr) {
		if !alive[p] {
			t.Fatalf("deleted price %d still present", p)
		}
	}
	for p := range alive {
		if tr.FindLevel(p) == nil {
			t.Fatalf("price %d lost", p)
		}
	}
}

func TestRBTreeUpsertReturnsSameLevel(t *testing.T) {
	tr := NewRBTree()
	a := tr.UpsertLevel(42)
	b := tr.UpsertLevel(42)
	if a != b {
		t.Fatal("upsert of existing price produced a new level")
	}
	if tr.Size() != 1 {
		t.Fatalf("size = %d, want 1", tr.Size())
	}
}

func TestPriceLevelFIFO(t *testing.T) {
	lvl := &PriceLevel{Price: 100}
	orders := make([]*Order, 3)
	for i := range orders {
		orders[i] = &Order{ID: uint64(i + 1), Qty: mustQtyMantissa(10), Filled: mustQtyMantissa(0)}
		lvl.enqueue(orders[i])
	}
	if lvl.OrderCount != 3 || lvl.TotalQty != 30 {
		t.Fatalf("count/qty = %d/%d, want 3/30", lvl.OrderCount, lvl.TotalQty)
	}

	// a fill always adjusts the order and the level aggregate together
	orders[0].Filled = mustQtyMantissa(4)
	lvl.reduce(4)
	if lvl.TotalQty != 26 {
		t.Fatalf("qty after reduce = %d, want 26", lvl.TotalQty)
	}

	// removing the middle order keeps arrival order for the rest
	lvl.unlink(orders[1])
	if lvl.Head() != orders[0] || lvl.Head().Next() != orders[2] {
		t.Fatal("fifo order broken after unlink")
	}
	lvl.unlink(orders[0])
	lvl.unlink(orders[2])
	if lvl.OrderCount != 0 || lvl.TotalQty != 0 || lvl.Head() != nil {
		t.Fatalf("level not empty: count=%d qty=%d", lvl.OrderCount, lvl.TotalQty)
	}
}

func mustQtyMantissa(m uint32) fixedpoint.Quantity {
	q, _ := fixedpoint.New(m, -1)
	return q
}
