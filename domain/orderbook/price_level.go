package orderbook

// PriceLevel holds the resting orders at one price as an intrusive FIFO
// list. Arrival order is time priority; matching always consumes from the
// head.
type PriceLevel struct {
	Price      int64 // price mantissa in the symbol's price ticks
	head       *Order
	tail       *Order
	TotalQty   uint64 // sum of remaining quantity mantissas
	OrderCount int
}

// Head returns the oldest resting order at this level.
func (p *PriceLevel) Head() *Order { return p.head }

func (p *PriceLevel) enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	p.TotalQty += uint64(o.RemainingMantissa())
	p.OrderCount++
}

// reduce subtracts a fill from the level aggregate without unlinking.
func (p *PriceLevel) reduce(qtyMantissa uint32) {
	p.TotalQty -= uint64(qtyMantissa)
}

func (p *PriceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next, o.prev = nil, nil
	p.TotalQty -= uint64(o.RemainingMantissa())
	p.OrderCount--
}
