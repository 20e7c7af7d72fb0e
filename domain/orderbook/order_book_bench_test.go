package orderbook

import (
	"testing"

	"fenrir/domain/changelog"
	"fenrir/domain/fixedpoint"
)

func benchBook() *OrderBook {
	sink := changelog.SinkFunc(func(*changelog.Entry) error { return nil })
	clock := fixedClock(1700000000000)
	tracker := changelog.NewTracker(&counter{}, clock)
	cfg := Config{Symbol: testSymbol, PriceTick: -2, QtyTick: -1}
	return New(cfg, tracker, sink, &counter{}, clock)
}

func benchPrice(mantissa uint32) fixedpoint.Price {
	p, err := fixedpoint.New(mantissa, -2)
	if err != nil {
		panic(err)
	}
	return p
}

func benchQty(mantissa uint32) fixedpoint.Quantity {
	q, err := fixedpoint.New(mantissa, -1)
	if err != nil {
		panic(err)
	}
	return q
}

func benchOrder(id uint64, side Side, typ Type, priceMantissa, qtyMantissa uint32) *Order {
	o := &Order{ID: id, UserID: 1, Symbol: testSymbol, Side: side, Type: typ, Qty: benchQty(qtyMantissa)}
	if typ != Market {
		o.Price = benchPrice(priceMantissa)
	}
	return o
}

func BenchmarkAddOrderResting(b *testing.B) {
	book := benchBook()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// spread bids over 128 levels so the tree stays realistic
		_, _ = book.AddOrder(benchOrder(uint64(i+1), Buy, Limit, 10000-uint32(i%128), 10))
	}
}

func BenchmarkCancelOrder(b *testing.B) {
	book := benchBook()
	for i := 0; i < b.N; i++ {
		_, _ = book.AddOrder(benchOrder(uint64(i+1), Buy, Limit, 10000-uint32(i%128), 10))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = book.CancelOrder(uint64(i + 1))
	}
}

func BenchmarkMixedPlaceCancel(b *testing.B) {
	book := benchBook()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := uint64(i + 1)
		_, _ = book.AddOrder(benchOrder(id, Buy, Limit, 10000, 10))
		if i%2 == 0 {
			_ = book.CancelOrder(id)
		}
	}
}

func BenchmarkMatchingCrossFlow(b *testing.B) {
	book := benchBook()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side, price := Buy, uint32(10000)
		if i%2 == 0 {
			side, price = Sell, 9900 // crosses the resting bid
		}
		_, _ = book.AddOrder(benchOrder(uint64(i+1), side, Limit, price, 1))
	}
}

func BenchmarkIOCOrders(b *testing.B) {
	book := benchBook()
	_, _ = book.AddOrder(benchOrder(1, Sell, Limit, 10000, fixedpoint.MaxMantissa))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = book.AddOrder(benchOrder(uint64(i+2), Buy, IOC, 10000, 1))
	}
}

func BenchmarkFOKOrders(b *testing.B) {
	book := benchBook()
	// thin depth so most FOK orders fail the fillable check
	for i := 0; i < 10; i++ {
		_, _ = book.AddOrder(benchOrder(uint64(i+1), Sell, Limit, 10000, 1))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = book.AddOrder(benchOrder(uint64(i+100), Buy, FOK, 10000, 200))
	}
}

func BenchmarkPostOnlyOrders(b *testing.B) {
	book := benchBook()
	_, _ = book.AddOrder(benchOrder(1, Sell, Limit, 10000, 1))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		price := uint32(10100)
		if i%2 == 0 {
			price = 9900 // crosses, canceled instead of trading
		}
		_, _ = book.AddOrder(benchOrder(uint64(i+2), Buy, PostOnly, price, 1))
	}
}

func BenchmarkBidsWalk(b *testing.B) {
	book := benchBook()
	for i := 0; i < 50000; i++ {
		_, _ = book.AddOrder(benchOrder(uint64(i+1), Buy, Limit, 9000+uint32(i%512), 10))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		count := 0
		book.BidsWalk(func(lvl *PriceLevel) bool {
			count += lvl.OrderCount
			return true
		})
		if count == 0 {
			b.Fatal("walk saw no orders")
		}
	}
}
