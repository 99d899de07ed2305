package book

import (
	"errors"
	"testing"

	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
)

func px(t *testing.T, s string) fixed.Amount {
	t.Helper()
	a, err := fixed.FromString(s)
	if err != nil {
		t.Fatalf("FromString(%q): %v", s, err)
	}
	return a
}

func limit(t *testing.T, id uint64, trader string, side model.Side, price string, qty uint32) *model.Order {
	t.Helper()
	return &model.Order{
		ID:          id,
		TraderID:    trader,
		Side:        side,
		Kind:        model.Limit,
		TIF:         model.GTC,
		Price:       px(t, price),
		QtyOriginal: qty,
		QtyLeaves:   qty,
	}
}

func mustInsert(t *testing.T, b *Book, o *model.Order) {
	t.Helper()
	if err := b.Insert(o); err != nil {
		t.Fatalf("Insert(%d): %v", o.ID, err)
	}
}

func TestInsertAndBestPrices(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Buy, "99", 5))
	mustInsert(t, b, limit(t, 2, "bob", model.Buy, "100", 5))
	mustInsert(t, b, limit(t, 3, "carol", model.Sell, "102", 5))
	mustInsert(t, b, limit(t, 4, "dave", model.Sell, "101", 5))

	bid, ok := b.BestBid()
	if !ok || bid != px(t, "100") {
		t.Errorf("BestBid = %s, %v; want 100", bid, ok)
	}
	ask, ok := b.BestAsk()
	if !ok || ask != px(t, "101") {
		t.Errorf("BestAsk = %s, %v; want 101", ask, ok)
	}
	if b.Len() != 4 {
		t.Errorf("Len = %d, want 4", b.Len())
	}
}

func TestInsertDuplicateID(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Buy, "99", 5))

	err := b.Insert(limit(t, 1, "alice", model.Buy, "98", 5))
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestInsertZeroQty(t *testing.T) {
	b := New()
	o := limit(t, 1, "alice", model.Buy, "99", 5)
	o.QtyLeaves = 0

	if err := b.Insert(o); !errors.Is(err, ErrZeroQty) {
		t.Errorf("expected ErrZeroQty, got %v", err)
	}
}

func TestFIFOWithinLevel(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Sell, "50", 2))
	mustInsert(t, b, limit(t, 2, "bob", model.Sell, "50", 2))

	o := b.FirstCrossing(model.Buy, px(t, "50"), false, nil)
	if o == nil || o.ID != 1 {
		t.Fatalf("FirstCrossing = %+v, want order 1 (older at same price)", o)
	}
}

func TestFillPartialThenFull(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Sell, "50", 5))

	if err := b.Fill(1, 2); err != nil {
		t.Fatalf("Fill(1, 2): %v", err)
	}
	o, ok := b.Order(1)
	if !ok || o.QtyLeaves != 3 {
		t.Fatalf("after partial fill leaves = %d, want 3", o.QtyLeaves)
	}
	_, asks := b.SnapshotTop(1)
	if len(asks) != 1 || asks[0].Qty != 3 {
		t.Errorf("level qty = %+v, want 3", asks)
	}

	if err := b.Fill(1, 3); err != nil {
		t.Fatalf("Fill(1, 3): %v", err)
	}
	if _, ok := b.Order(1); ok {
		t.Error("fully filled order still resting")
	}
	if _, ok := b.BestAsk(); ok {
		t.Error("empty level not destroyed")
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestFillBounds(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Sell, "50", 5))

	if err := b.Fill(1, 0); err == nil {
		t.Error("Fill(1, 0) accepted")
	}
	if err := b.Fill(1, 6); err == nil {
		t.Error("Fill beyond open quantity accepted")
	}
	if err := b.Fill(99, 1); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Buy, "99", 5))

	if _, err := b.Remove(1); err != nil {
		t.Fatalf("Remove(1): %v", err)
	}
	if _, err := b.Remove(1); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("second Remove: expected ErrUnknownOrder, got %v", err)
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty level not destroyed after remove")
	}
}

func TestTraderOrdersSorted(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 5, "alice", model.Buy, "99", 1))
	mustInsert(t, b, limit(t, 2, "alice", model.Sell, "105", 1))
	mustInsert(t, b, limit(t, 9, "alice", model.Buy, "98", 1))
	mustInsert(t, b, limit(t, 7, "bob", model.Buy, "97", 1))

	got := b.TraderOrders("alice")
	want := []uint64{2, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("TraderOrders = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TraderOrders = %v, want %v", got, want)
		}
	}
	if ids := b.TraderOrders("nobody"); ids != nil {
		t.Errorf("TraderOrders(nobody) = %v, want nil", ids)
	}
}

func TestOpenQtyBySide(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Buy, "99", 5))
	mustInsert(t, b, limit(t, 2, "alice", model.Buy, "98", 7))
	mustInsert(t, b, limit(t, 3, "alice", model.Sell, "105", 4))

	buy, sell := b.OpenQtyBySide("alice")
	if buy != 12 || sell != 4 {
		t.Errorf("OpenQtyBySide = %d/%d, want 12/4", buy, sell)
	}
}

func TestWalkCrossingStopsAtLimit(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Sell, "10", 2))
	mustInsert(t, b, limit(t, 2, "bob", model.Sell, "11", 3))
	mustInsert(t, b, limit(t, 3, "carol", model.Sell, "12", 4))

	var visited []uint64
	b.WalkCrossing(model.Buy, px(t, "11"), false, func(o *model.Order) bool {
		visited = append(visited, o.ID)
		return true
	})
	if len(visited) != 2 || visited[0] != 1 || visited[1] != 2 {
		t.Errorf("limit walk visited %v, want [1 2]", visited)
	}

	visited = nil
	b.WalkCrossing(model.Buy, 0, true, func(o *model.Order) bool {
		visited = append(visited, o.ID)
		return true
	})
	if len(visited) != 3 {
		t.Errorf("market walk visited %v, want all three", visited)
	}
}

func TestWalkCrossingSellSide(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Buy, "100", 2))
	mustInsert(t, b, limit(t, 2, "bob", model.Buy, "99", 3))
	mustInsert(t, b, limit(t, 3, "carol", model.Buy, "98", 4))

	var visited []uint64
	b.WalkCrossing(model.Sell, px(t, "99"), false, func(o *model.Order) bool {
		visited = append(visited, o.ID)
		return true
	})
	// Best bid first, stopping below the 99 limit.
	if len(visited) != 2 || visited[0] != 1 || visited[1] != 2 {
		t.Errorf("sell walk visited %v, want [1 2]", visited)
	}
}

func TestFirstCrossingSkips(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Sell, "10", 2))
	mustInsert(t, b, limit(t, 2, "bob", model.Sell, "11", 3))

	o := b.FirstCrossing(model.Buy, px(t, "11"), false, func(o *model.Order) bool {
		return o.TraderID == "alice"
	})
	if o == nil || o.ID != 2 {
		t.Fatalf("FirstCrossing with skip = %+v, want order 2", o)
	}

	o = b.FirstCrossing(model.Buy, px(t, "11"), false, func(o *model.Order) bool {
		return true
	})
	if o != nil {
		t.Errorf("FirstCrossing skipping all = %+v, want nil", o)
	}
}

func TestCrossedPair(t *testing.T) {
	b := New()
	// Same-trader overlap may rest; it is not a crossed book.
	mustInsert(t, b, limit(t, 1, "alice", model.Buy, "101", 2))
	mustInsert(t, b, limit(t, 2, "alice", model.Sell, "100", 2))

	if _, _, found := b.CrossedPair(); found {
		t.Fatal("same-trader overlap flagged as crossed book")
	}

	// A second trader's ask inside alice's bid is a real cross.
	mustInsert(t, b, limit(t, 3, "bob", model.Sell, "100.50", 1))
	bid, ask, found := b.CrossedPair()
	if !found {
		t.Fatal("cross-trader pair not detected")
	}
	if bid.ID != 1 || ask.ID != 3 {
		t.Errorf("CrossedPair = bid %d / ask %d, want 1 / 3", bid.ID, ask.ID)
	}
}

func TestSnapshotTop(t *testing.T) {
	b := New()
	mustInsert(t, b, limit(t, 1, "alice", model.Buy, "100", 2))
	mustInsert(t, b, limit(t, 2, "bob", model.Buy, "100", 3))
	mustInsert(t, b, limit(t, 3, "carol", model.Buy, "99", 1))
	mustInsert(t, b, limit(t, 4, "dave", model.Buy, "98", 1))
	mustInsert(t, b, limit(t, 5, "erin", model.Sell, "105", 7))

	bids, asks := b.SnapshotTop(2)
	if len(bids) != 2 {
		t.Fatalf("bids = %+v, want 2 levels", bids)
	}
	// Best first, same-price orders aggregated.
	if bids[0].Price != px(t, "100") || bids[0].Qty != 5 {
		t.Errorf("bids[0] = %+v, want 100 x 5", bids[0])
	}
	if bids[1].Price != px(t, "99") || bids[1].Qty != 1 {
		t.Errorf("bids[1] = %+v, want 99 x 1", bids[1])
	}
	if len(asks) != 1 || asks[0].Qty != 7 {
		t.Errorf("asks = %+v, want one level of 7", asks)
	}

	empty := New()
	bids, asks = empty.SnapshotTop(2)
	if bids == nil || asks == nil || len(bids) != 0 || len(asks) != 0 {
		t.Errorf("empty snapshot = %v / %v, want non-nil empty slices", bids, asks)
	}
}
