package orderbook

// Red-black tree of price levels keyed by price mantissa. Best bid is the
// maximum of the bid tree, best ask the minimum of the ask tree; both are
// O(log n) with deterministic worst case, which matters more here than the
// expected O(1) of a hash map.

type color uint8

const (
	red color = iota
	black
)

type node struct {
	key    int64
	level  *PriceLevel
	color  color
	left   *node
	right  *node
	parent *node
}

// RBTree maps price mantissa -> *PriceLevel.
type RBTree struct {
	root     *node
	sentinel *node // shared sentinel leaf
	size     int
}

// NewRBTree returns an empty tree.
func NewRBTree() *RBTree {
	s := &node{color: black}
	return &RBTree{root: s, sentinel: s}
}

// Size returns the number of populated price levels.
func (t *RBTree) Size() int { return t.size }

// FindLevel returns the level at price, or nil.
func (t *RBTree) FindLevel(price int64) *PriceLevel {
	n := t.search(price)
	if n == t.sentinel {
		return nil
	}
	return n.level
}

// UpsertLevel returns the level at price, creating it when absent.
func (t *RBTree) UpsertLevel(price int64) *PriceLevel {
	y := t.sentinel
	x := t.root
	for x != t.sentinel {
		y = x
		switch {
		case price < x.key:
			x = x.left
		case price > x.key:
			x = x.right
		default:
			return x.level
		}
	}
	lvl := &PriceLevel{Price: price}
	z := &node{key: price, level: lvl, color: red, left: t.sentinel, right: t.sentinel, parent: y}
	if y == t.sentinel {
		t.root = z
	} else if price < y.key {
		y.left = z
	} else {
		y.right = z
	}
	t.insertFixup(z)
	t.size++
	return lvl
}

// DeleteLevel removes the level at price. Returns false when absent.
func (t *RBTree) DeleteLevel(price int64) bool {
	z := t.search(price)
	if z == t.sentinel {
		return false
	}
	t.delete(z)
	t.size--
	return true
}

// MinLevel returns the lowest-priced level, or nil when empty.
func (t *RBTree) MinLevel() *PriceLevel {
	n := t.min(t.root)
	if n == t.sentinel {
		return nil
	}
	return n.level
}

// MaxLevel returns the highest-priced level, or nil when empty.
func (t *RBTree) MaxLevel() *PriceLevel {
	n := t.max(t.root)
	if n == t.sentinel {
		return nil
	}
	return n.level
}

// ForEachAscending visits levels from lowest to highest price until fn
// returns false.
func (t *RBTree) ForEachAscending(fn func(*PriceLevel) bool) {
	for n := t.min(t.root); n != t.sentinel; n = t.successor(n) {
		if !fn(n.level) {
			return
		}
	}
}

// ForEachDescending visits levels from highest to lowest price until fn
// returns false.
func (t *RBTree) ForEachDescending(fn func(*PriceLevel) bool) {
	for n := t.max(t.root); n != t.sentinel; n = t.predecessor(n) {
		if !fn(n.level) {
			return
		}
	}
}

// --- internals ---

func (t *RBTree) search(key int64) *node {
	n := t.root
	for n != t.sentinel {
		switch {
		case key < n.key:
			n = n.left
		case key > n.key:
			n = n.right
		default:
			return n
		}
	}
	return t.sentinel
}

func (t *RBTree) min(n *node) *node {
	if n == t.sentinel {
		return t.sentinel
	}
	for n.left != t.sentinel {
		n = n.left
	}
	return n
}

func (t *RBTree) max(n *node) *node {
	if n == t.sentinel {
		return t.sentinel
	}
	for n.right != t.sentinel {
		n = n.right
	}
	return n
}

func (t *RBTree) successor(n *node) *node {
	if n.right != t.sentinel {
		return t.min(n.right)
	}
	p := n.parent
	for p != t.sentinel && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

func (t *RBTree) predecessor(n *node) *node {
	if n.left != t.sentinel {
		return t.max(n.left)
	}
	p := n.parent
	for p != t.sentinel && n == p.left {
		n = p
		p = p.parent
	}
	return p
}

func (t *RBTree) rotateLeft(x *node) {
	y := x.right
	x.right = y.left
	if y.left != t.sentinel {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.sentinel:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *RBTree) rotateRight(x *node) {
	y := x.left
	x.left = y.right
	if y.right != t.sentinel {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.sentinel:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func (t *RBTree) insertFixup(z *node) {
	for z.parent.color == red {
		if z.parent == z.parent.parent.left {
			u := z.parent.parent.right
			if u.color == red {
				z.parent.color = black
				u.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.rotateRight(z.parent.parent)
			}
		} else {
			u := z.parent.parent.left
			if u.color == red {
				z.parent.color = black
				u.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.rotateLeft(z.parent.parent)
			}
		}
	}
	t.root.color = black
}

func (t *RBTree) transplant(u, v *node) {
	switch {
	case u.parent == t.sentinel:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	v.parent = u.parent
}

func (t *RBTree) delete(z *node) {
	y := z
	yColor := y.color
	var x *node
	switch {
	case z.left == t.sentinel:
		x = z.right
		t.transplant(z, z.right)
	case z.right == t.sentinel:
		x = z.left
		t.transplant(z, z.left)
	default:
		y = t.min(z.right)
		yColor = y.color
		x = y.right
		if y.parent == z {
			x.parent = y
		} else {
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}
	if yColor == black {
		t.deleteFixup(x)
	}
}

func (t *RBTree) deleteFixup(x *node) {
	for x != t.root && x.color == black {
		if x == x.parent.left {
			w := x.parent.right
			if w.color == red {
				w.color = black
				x.parent.color = red
				t.rotateLeft(x.parent)
				w = x.parent.right
			}
			if w.left.color == black && w.right.color == black {
				w.color = red
				x = x.parent
			} else {
				if w.right.color == black {
					w.left.color = black
					w.color = red
					t.rotateRight(w)
					w = x.parent.right
				}
				w.color = x.parent.color
				x.parent.color = black
				w.right.color = black
				t.rotateLeft(x.parent)
				x = t.root
			}
		} else {
			w := x.parent.left
			if w.color == red {
				w.color = black
				x.parent.color = red
				t.rotateRight(x.parent)
				w = x.parent.left
			}
			if w.right.color == black && w.left.color == black {
				w.color = red
				x = x.parent
			} else {
				if w.left.color == black {
					w.right.color = black
					w.color = red
					t.rotateLeft(w)
					w = x.parent.left
				}
				w.color = x.parent.color
				x.parent.color = black
				w.left.color = black
				t.rotateRight(x.parent)
				x = t.root
			}
		}
	}
	x.color = black
}
