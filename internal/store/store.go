// Package store persists the audit read model derived from the engine's
// event stream: executed trades, the latest position snapshot per trader,
// the latest top-of-book, and the raw sequenced events. PostgreSQL is the
// source of truth, Redis provides a read-through cache for the REST read
// model, and an in-memory implementation backs tests and journal-only
// deployments. The engine itself never reads from here; the recovery
// journal alone re-derives engine state.
package store

import (
	"context"
	"errors"

	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
)

// ErrNotFound is returned by point reads when no row exists.
var ErrNotFound = errors.New("store: not found")

// TradeRecord is one executed fill as persisted for audit queries.
type TradeRecord struct {
	TradeID      uint64       `json:"trade_id"`
	Price        fixed.Amount `json:"price"`
	Qty          uint32       `json:"qty"`
	BuyTraderID  string       `json:"buy_trader_id"`
	SellTraderID string       `json:"sell_trader_id"`
	BuyOrderID   uint64       `json:"buy_order_id"`
	SellOrderID  uint64       `json:"sell_order_id"`
	Seq          uint64       `json:"seq"`
	TsNs         int64        `json:"timestamp"`
}

// PositionRecord is the latest account snapshot for one trader. Each
// position_update event overwrites the previous row; history lives in
// the raw event table.
type PositionRecord struct {
	TraderID      string       `json:"trader_id"`
	Position      int64        `json:"position"`
	Cash          fixed.Amount `json:"cash"`
	AvgEntryPrice fixed.Amount `json:"avg_entry_price"`
	RealizedPnL   fixed.Amount `json:"realized_pnl"`
	UnrealizedPnL fixed.Amount `json:"unrealized_pnl"`
	TotalEquity   fixed.Amount `json:"total_equity"`
	MarkPrice     fixed.Amount `json:"mark_price"`
	Seq           uint64       `json:"seq"`
	TsNs          int64        `json:"timestamp"`
}

// TotalPnL is the leaderboard ranking key: realized plus unrealized.
func (p PositionRecord) TotalPnL() (fixed.Amount, error) {
	return fixed.Add(p.RealizedPnL, p.UnrealizedPnL)
}

// BookSnapshot is the latest top-of-book. Best prices are nil when the
// corresponding side is empty.
type BookSnapshot struct {
	BestBid *fixed.Amount     `json:"best_bid"`
	BestAsk *fixed.Amount     `json:"best_ask"`
	Bids    []model.BookLevel `json:"bids"`
	Asks    []model.BookLevel `json:"asks"`
	Seq     uint64            `json:"seq"`
	TsNs    int64             `json:"timestamp"`
}

// EventRecord is one raw sequenced event, kept verbatim so the audit
// trail matches what subscribers saw byte for byte.
type EventRecord struct {
	Seq     uint64 `json:"seq"`
	Type    string `json:"type"`
	TsNs    int64  `json:"timestamp"`
	Payload []byte `json:"payload"`
}

// Store is the audit persistence interface. Writes arrive in batches
// from the recorder; reads serve the REST read model.
type Store interface {
	// InsertTrades appends executed fills.
	InsertTrades(ctx context.Context, trades []TradeRecord) error

	// UpsertPositions overwrites the latest snapshot per trader.
	UpsertPositions(ctx context.Context, positions []PositionRecord) error

	// SaveBookSnapshot overwrites the latest top-of-book.
	SaveBookSnapshot(ctx context.Context, snap *BookSnapshot) error

	// InsertEvents appends raw sequenced events.
	InsertEvents(ctx context.Context, events []EventRecord) error

	// RecentTrades returns up to limit fills, newest first.
	RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)

	// Position returns one trader's latest snapshot.
	Position(ctx context.Context, traderID string) (*PositionRecord, error)

	// Leaderboard ranks traders by total PnL descending, trader id
	// ascending on ties, up to limit rows.
	Leaderboard(ctx context.Context, limit int) ([]PositionRecord, error)

	// LatestBook returns the most recent book snapshot.
	LatestBook(ctx context.Context) (*BookSnapshot, error)
}
