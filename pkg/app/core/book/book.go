package book

import (
	"github.com/google/btree"

	"github.com/memeperp/engine/pkg/app/core"
)

// Level aggregates resting orders at one price. Orders queue FIFO within the
// level, giving price-time priority across the book.
type Level struct {
	Price  int64
	Qty    int64 // sum of remaining quantity
	orders []*core.Order
}

func (lv *Level) head() *core.Order { return lv.orders[0] }

// Book is one market's resting limit orders. It is owned by that market's
// worker goroutine and is not safe for concurrent use; snapshots for queries
// go through the worker.
type Book struct {
	bids  *btree.BTreeG[*Level] // descending price
	asks  *btree.BTreeG[*Level] // ascending price
	index map[string]*core.Order
}

const btreeDegree = 16

// New creates an empty book.
func New() *Book {
	return &Book{
		bids:  btree.NewG(btreeDegree, func(a, b *Level) bool { return a.Price > b.Price }),
		asks:  btree.NewG(btreeDegree, func(a, b *Level) bool { return a.Price < b.Price }),
		index: make(map[string]*core.Order),
	}
}

func (b *Book) tree(s core.Side) *btree.BTreeG[*Level] {
	if s == core.Long {
		return b.bids
	}
	return b.asks
}

// Insert rests an order at its limit price, behind orders already queued there.
func (b *Book) Insert(o *core.Order) {
	t := b.tree(o.Side)
	probe := &Level{Price: o.Price}
	lv, ok := t.Get(probe)
	if !ok {
		lv = &Level{Price: o.Price}
		t.ReplaceOrInsert(lv)
	}
	lv.orders = append(lv.orders, o)
	lv.Qty += o.Remaining()
	b.index[o.ID] = o
}

// Remove deletes an order by id and returns it, or nil if it is not resting.
func (b *Book) Remove(id string) *core.Order {
	o, ok := b.index[id]
	if !ok {
		return nil
	}
	delete(b.index, id)

	t := b.tree(o.Side)
	lv, ok := t.Get(&Level{Price: o.Price})
	if !ok {
		return o
	}
	for i, q := range lv.orders {
		if q.ID == id {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			lv.Qty -= q.Remaining()
			break
		}
	}
	if len(lv.orders) == 0 {
		t.Delete(lv)
	}
	return o
}

// Get returns a resting order by id, or nil.
func (b *Book) Get(id string) *core.Order { return b.index[id] }

func bestLevel(t *btree.BTreeG[*Level]) (*Level, bool) {
	var lv *Level
	t.Ascend(func(item *Level) bool {
		lv = item
		return false
	})
	return lv, lv != nil
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (int64, bool) {
	lv, ok := bestLevel(b.bids)
	if !ok {
		return 0, false
	}
	return lv.Price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (int64, bool) {
	lv, ok := bestLevel(b.asks)
	if !ok {
		return 0, false
	}
	return lv.Price, true
}

// Mid returns the bid/ask midpoint, false when either side is empty.
func (b *Book) Mid() (int64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Head returns the first order in time priority at the best price opposing
// side s. A long taker consumes asks, a short taker consumes bids.
func (b *Book) Head(takerSide core.Side) *core.Order {
	lv, ok := bestLevel(b.tree(takerSide.Opposite()))
	if !ok {
		return nil
	}
	return lv.head()
}

// Reduce draws qty from a resting order after a fill, removing it from the
// book when fully consumed.
func (b *Book) Reduce(o *core.Order, qty int64) {
	t := b.tree(o.Side)
	lv, ok := t.Get(&Level{Price: o.Price})
	if !ok {
		return
	}
	lv.Qty -= qty
	if o.Remaining() == 0 {
		lv.orders = lv.orders[1:]
		delete(b.index, o.ID)
		if len(lv.orders) == 0 {
			t.Delete(lv)
		}
	}
}

// Crosses reports whether a taker at limitPrice can trade against makerPrice.
// limitPrice 0 means a market order, which crosses anything.
func Crosses(takerSide core.Side, limitPrice, makerPrice int64) bool {
	if limitPrice == 0 {
		return true
	}
	if takerSide == core.Long {
		return makerPrice <= limitPrice
	}
	return makerPrice >= limitPrice
}

// AvailableWithin sums opposing liquidity a taker at limitPrice could reach,
// excluding the taker's own orders. Used for fill-or-kill pre-checks so FOK
// rejects without touching any state.
func (b *Book) AvailableWithin(takerSide core.Side, limitPrice int64, self string) int64 {
	var total int64
	b.tree(takerSide.Opposite()).Ascend(func(lv *Level) bool {
		if !Crosses(takerSide, limitPrice, lv.Price) {
			return false
		}
		for _, o := range lv.orders {
			if o.Trader.Hex() != self {
				total += o.Remaining()
			}
		}
		return true
	})
	return total
}

// PriceLevel is an aggregated depth entry for snapshots.
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Levels returns up to depth aggregated levels on side s, best first.
func (b *Book) Levels(s core.Side, depth int) []PriceLevel {
	out := make([]PriceLevel, 0, depth)
	b.tree(s).Ascend(func(lv *Level) bool {
		out = append(out, PriceLevel{Price: lv.Price, Qty: lv.Qty})
		return len(out) < depth
	})
	return out
}

// Orders returns every resting order, for expiry sweeps. No ordering is
// guaranteed.
func (b *Book) Orders() []*core.Order {
	out := make([]*core.Order, 0, len(b.index))
	for _, o := range b.index {
		out = append(out, o)
	}
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }
