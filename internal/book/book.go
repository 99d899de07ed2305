// Package book implements the central limit order book: two
// price-indexed ladders of FIFO queues with O(log P) best-price access
// and O(1) level mutation. The book only stores orders; matching policy
// (price-time priority, self-match handling) lives in the engine, which
// walks the crossing region through WalkCrossing and FirstCrossing.
package book

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
)

var (
	// ErrUnknownOrder means the order id is not resting in the book.
	ErrUnknownOrder = errors.New("book: unknown order")
	// ErrDuplicateOrder means an order with the same id already rests.
	ErrDuplicateOrder = errors.New("book: duplicate order id")
	// ErrZeroQty means an order with no open quantity was inserted.
	ErrZeroQty = errors.New("book: zero qty_leaves")
)

// level is one price level: a FIFO queue of resting orders plus the sum
// of their open quantities. totalQty is maintained on every mutation.
type level struct {
	price    fixed.Amount
	orders   []*model.Order // index 0 is oldest
	totalQty uint64
}

func lessLevel(a, b *level) bool { return a.price < b.price }

// Book holds the bid and ask ladders and an index of resting orders.
// It is not safe for concurrent use; the engine goroutine owns it.
type Book struct {
	bids     *btree.BTreeG[*level] // best = Max
	asks     *btree.BTreeG[*level] // best = Min
	byID     map[uint64]*model.Order
	byTrader map[string]map[uint64]struct{}
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids:     btree.NewG(2, lessLevel),
		asks:     btree.NewG(2, lessLevel),
		byID:     make(map[uint64]*model.Order),
		byTrader: make(map[string]map[uint64]struct{}),
	}
}

func (b *Book) side(s model.Side) *btree.BTreeG[*level] {
	if s == model.Buy {
		return b.bids
	}
	return b.asks
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.byID) }

// Order returns the resting order with the given id.
func (b *Book) Order(id uint64) (*model.Order, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// BestBid returns the highest bid price, if any bids rest.
func (b *Book) BestBid() (fixed.Amount, bool) {
	l, ok := b.bids.Max()
	if !ok {
		return 0, false
	}
	return l.price, true
}

// BestAsk returns the lowest ask price, if any asks rest.
func (b *Book) BestAsk() (fixed.Amount, bool) {
	l, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return l.price, true
}

// Insert rests an order at its price level, creating the level on first
// use. The order joins the back of the FIFO queue.
func (b *Book) Insert(o *model.Order) error {
	if o.QtyLeaves == 0 {
		return ErrZeroQty
	}
	if _, dup := b.byID[o.ID]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	tree := b.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		lvl = &level{price: o.Price}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.orders = append(lvl.orders, o)
	lvl.totalQty += uint64(o.QtyLeaves)

	b.byID[o.ID] = o
	ids := b.byTrader[o.TraderID]
	if ids == nil {
		ids = make(map[uint64]struct{})
		b.byTrader[o.TraderID] = ids
	}
	ids[o.ID] = struct{}{}
	return nil
}

// Remove takes an order out of the book entirely, destroying its level
// if the queue becomes empty. Returns ErrUnknownOrder if the id does
// not rest, which makes cancel idempotent at the caller.
func (b *Book) Remove(id uint64) (*model.Order, error) {
	o, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	if err := b.unlink(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Fill reduces a resting order's open quantity by qty, removing it when
// fully consumed. The level's totalQty tracks the reduction.
func (b *Book) Fill(id uint64, qty uint32) error {
	o, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	if qty == 0 || qty > o.QtyLeaves {
		return fmt.Errorf("book: fill qty %d outside (0, %d] for order %d", qty, o.QtyLeaves, id)
	}
	if qty == o.QtyLeaves {
		o.QtyLeaves = 0
		return b.unlinkFilled(o, uint64(qty))
	}
	lvl, ok := b.side(o.Side).Get(&level{price: o.Price})
	if !ok {
		return fmt.Errorf("book: order %d indexed but level %s missing", id, o.Price)
	}
	o.QtyLeaves -= qty
	lvl.totalQty -= uint64(qty)
	return nil
}

// unlink removes a live order and its remaining quantity from its level
// and both indexes.
func (b *Book) unlink(o *model.Order) error {
	return b.unlinkFilled(o, uint64(o.QtyLeaves))
}

func (b *Book) unlinkFilled(o *model.Order, qty uint64) error {
	tree := b.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		return fmt.Errorf("book: order %d indexed but level %s missing", o.ID, o.Price)
	}
	idx := -1
	for i, q := range lvl.orders {
		if q.ID == o.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("book: order %d missing from level %s queue", o.ID, o.Price)
	}
	lvl.orders = append(lvl.orders[:idx], lvl.orders[idx+1:]...)
	lvl.totalQty -= qty
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}

	delete(b.byID, o.ID)
	ids := b.byTrader[o.TraderID]
	delete(ids, o.ID)
	if len(ids) == 0 {
		delete(b.byTrader, o.TraderID)
	}
	return nil
}

// TraderOrders returns the ids of all resting orders owned by a trader,
// ascending, so bulk cancellation is deterministic.
func (b *Book) TraderOrders(traderID string) []uint64 {
	set := b.byTrader[traderID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OpenQtyBySide sums the open quantity of a trader's resting orders per
// side.
func (b *Book) OpenQtyBySide(traderID string) (buyQty, sellQty uint64) {
	for id := range b.byTrader[traderID] {
		o := b.byID[id]
		if o.Side == model.Buy {
			buyQty += uint64(o.QtyLeaves)
		} else {
			sellQty += uint64(o.QtyLeaves)
		}
	}
	return buyQty, sellQty
}

// WalkCrossing visits every resting order on the side opposite takerSide
// that a taker at the given limit would cross, in price-time order. A
// market taker crosses every level. The walk stops when fn returns
// false. The book must not be mutated during the walk.
func (b *Book) WalkCrossing(takerSide model.Side, limit fixed.Amount, market bool, fn func(*model.Order) bool) {
	if takerSide == model.Buy {
		b.asks.Ascend(func(l *level) bool {
			if !market && l.price > limit {
				return false
			}
			for _, o := range l.orders {
				if !fn(o) {
					return false
				}
			}
			return true
		})
		return
	}
	b.bids.Descend(func(l *level) bool {
		if !market && l.price < limit {
			return false
		}
		for _, o := range l.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	})
}

// FirstCrossing returns the first resting order a taker would match,
// in price-time order, ignoring orders for which skip returns true.
// Returns nil when nothing crosses.
func (b *Book) FirstCrossing(takerSide model.Side, limit fixed.Amount, market bool, skip func(*model.Order) bool) *model.Order {
	var found *model.Order
	b.WalkCrossing(takerSide, limit, market, func(o *model.Order) bool {
		if skip != nil && skip(o) {
			return true
		}
		found = o
		return false
	})
	return found
}

// CrossedPair looks for two resting orders from different traders whose
// prices cross. Same-trader overlaps are allowed to rest (the matcher
// skips them under skip_resting policy), so only a cross-trader pair
// constitutes a crossed book.
func (b *Book) CrossedPair() (bid, ask *model.Order, found bool) {
	bestAsk, okAsk := b.BestAsk()
	bestBid, okBid := b.BestBid()
	if !okAsk || !okBid || bestBid < bestAsk {
		return nil, nil, false
	}
	b.bids.Descend(func(bl *level) bool {
		if bl.price < bestAsk {
			return false
		}
		for _, bo := range bl.orders {
			b.asks.Ascend(func(al *level) bool {
				if al.price > bl.price {
					return false
				}
				for _, ao := range al.orders {
					if ao.TraderID != bo.TraderID {
						bid, ask, found = bo, ao, true
						return false
					}
				}
				return true
			})
			if found {
				return false
			}
		}
		return true
	})
	return bid, ask, found
}

// AllOrders returns every resting order sorted by id. Queue position
// within a level always follows insertion order, so the id-sorted set
// fully determines the book; state snapshots rely on that.
func (b *Book) AllOrders() []*model.Order {
	ids := make([]uint64, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	orders := make([]*model.Order, len(ids))
	for i, id := range ids {
		orders[i] = b.byID[id]
	}
	return orders
}

// SnapshotTop aggregates the best levels of each side, best first, up
// to depth levels. Slices are non-nil so they serialize as [].
func (b *Book) SnapshotTop(depth int) (bids, asks []model.BookLevel) {
	bids = make([]model.BookLevel, 0, depth)
	asks = make([]model.BookLevel, 0, depth)
	b.bids.Descend(func(l *level) bool {
		bids = append(bids, model.BookLevel{Price: l.price, Qty: l.totalQty})
		return len(bids) < depth
	})
	b.asks.Ascend(func(l *level) bool {
		asks = append(asks, model.BookLevel{Price: l.price, Qty: l.totalQty})
		return len(asks) < depth
	})
	return bids, asks
}
