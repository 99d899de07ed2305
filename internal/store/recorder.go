package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arenex/exchange-core/internal/model"
)

// DefaultFlushInterval is how often the recorder writes buffered
// records to the store when no interval is configured.
const DefaultFlushInterval = 500 * time.Millisecond

// Recorder buffers sequenced events and flushes them to the audit store
// in batches. Persistence here is best-effort: the journal is the
// recovery source of truth, so a failed flush is logged and the batch
// dropped rather than ever blocking the event path.
type Recorder struct {
	store    Store
	log      *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	trades    []TradeRecord
	positions map[string]PositionRecord
	book      *BookSnapshot
	events    []EventRecord
}

// NewRecorder creates a recorder flushing to store every interval.
func NewRecorder(store Store, log *slog.Logger, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Recorder{
		store:     store,
		log:       log,
		interval:  interval,
		positions: make(map[string]PositionRecord),
	}
}

// Observe buffers one sequenced event. payload is the encoded wire form
// and is stored verbatim in the raw event table. Trades, position
// updates and book updates additionally feed their typed tables; only
// the newest position per trader and the newest book survive a flush
// window, matching the latest-row semantics of their tables.
func (r *Recorder) Observe(ev model.Event, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case *model.TradeEvent:
		r.trades = append(r.trades, TradeRecord{
			TradeID:      e.TradeID,
			Price:        e.Price,
			Qty:          e.Qty,
			BuyTraderID:  e.BuyTraderID,
			SellTraderID: e.SellTraderID,
			BuyOrderID:   e.BuyOrderID,
			SellOrderID:  e.SellOrderID,
			Seq:          e.Seq,
			TsNs:         e.TsNs,
		})
	case *model.PositionUpdate:
		r.positions[e.TraderID] = PositionRecord{
			TraderID:      e.TraderID,
			Position:      e.Position,
			Cash:          e.Cash,
			AvgEntryPrice: e.AvgEntryPrice,
			RealizedPnL:   e.RealizedPnL,
			UnrealizedPnL: e.UnrealizedPnL,
			TotalEquity:   e.TotalEquity,
			MarkPrice:     e.MarkPrice,
			Seq:           e.Seq,
			TsNs:          e.TsNs,
		}
	case *model.BookUpdate:
		r.book = &BookSnapshot{
			BestBid: e.BestBid,
			BestAsk: e.BestAsk,
			Bids:    e.Bids,
			Asks:    e.Asks,
			Seq:     e.Seq,
			TsNs:    e.TsNs,
		}
	}

	r.events = append(r.events, EventRecord{
		Seq:     ev.Sequence(),
		Type:    ev.EventType(),
		TsNs:    ev.Timestamp(),
		Payload: payload,
	})
}

// Run flushes on a ticker until ctx is cancelled, then drains whatever
// is still buffered with a fresh deadline.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Error("audit flush failed", "error", err)
			}
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(drainCtx); err != nil {
				r.log.Error("final audit flush failed", "error", err)
			}
			cancel()
			return
		}
	}
}

// Flush writes all buffered records to the store. Each table is written
// independently so one failure does not lose the others.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	trades := r.trades
	positions := r.positions
	book := r.book
	events := r.events
	r.trades = nil
	r.positions = make(map[string]PositionRecord)
	r.book = nil
	r.events = nil
	r.mu.Unlock()

	if len(trades) == 0 && len(positions) == 0 && book == nil && len(events) == 0 {
		return nil
	}

	var errs []error
	if len(trades) > 0 {
		if err := r.store.InsertTrades(ctx, trades); err != nil {
			errs = append(errs, err)
		}
	}
	if len(positions) > 0 {
		rows := make([]PositionRecord, 0, len(positions))
		for _, p := range positions {
			rows = append(rows, p)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].TraderID < rows[j].TraderID })
		if err := r.store.UpsertPositions(ctx, rows); err != nil {
			errs = append(errs, err)
		}
	}
	if book != nil {
		if err := r.store.SaveBookSnapshot(ctx, book); err != nil {
			errs = append(errs, err)
		}
	}
	if len(events) > 0 {
		if err := r.store.InsertEvents(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
