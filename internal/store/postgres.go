package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arenex/exchange-core/internal/fixed"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the audit tables when they do not exist yet. The
// store owns a small fixed schema, so the binary provisions it itself.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id       BIGINT PRIMARY KEY,
	price          NUMERIC NOT NULL,
	qty            BIGINT NOT NULL,
	buy_trader_id  TEXT NOT NULL,
	sell_trader_id TEXT NOT NULL,
	buy_order_id   BIGINT NOT NULL,
	sell_order_id  BIGINT NOT NULL,
	seq            BIGINT NOT NULL,
	ts_ns          BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	trader_id       TEXT PRIMARY KEY,
	position        BIGINT NOT NULL,
	cash            NUMERIC NOT NULL,
	avg_entry_price NUMERIC NOT NULL,
	realized_pnl    NUMERIC NOT NULL,
	unrealized_pnl  NUMERIC NOT NULL,
	total_equity    NUMERIC NOT NULL,
	mark_price      NUMERIC NOT NULL,
	seq             BIGINT NOT NULL,
	ts_ns           BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS book_snapshots (
	id       INT PRIMARY KEY CHECK (id = 1),
	best_bid NUMERIC,
	best_ask NUMERIC,
	bids     JSONB NOT NULL,
	asks     JSONB NOT NULL,
	seq      BIGINT NOT NULL,
	ts_ns    BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	seq     BIGINT PRIMARY KEY,
	type    TEXT NOT NULL,
	ts_ns   BIGINT NOT NULL,
	payload JSONB NOT NULL
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// InsertTrades appends fills in one batch round-trip.
func (s *PostgresStore) InsertTrades(ctx context.Context, trades []TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(
			`INSERT INTO trades (trade_id, price, qty, buy_trader_id, sell_trader_id, buy_order_id, sell_order_id, seq, ts_ns)
			 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (trade_id) DO NOTHING`,
			int64(t.TradeID), t.Price.String(), int64(t.Qty),
			t.BuyTraderID, t.SellTraderID,
			int64(t.BuyOrderID), int64(t.SellOrderID),
			int64(t.Seq), t.TsNs,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: insert trades: %w", err)
	}
	return nil
}

// UpsertPositions overwrites the latest snapshot per trader.
func (s *PostgresStore) UpsertPositions(ctx context.Context, positions []PositionRecord) error {
	if len(positions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(
			`INSERT INTO positions (trader_id, position, cash, avg_entry_price, realized_pnl, unrealized_pnl, total_equity, mark_price, seq, ts_ns)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
			 ON CONFLICT (trader_id) DO UPDATE SET
			   position = EXCLUDED.position, cash = EXCLUDED.cash,
			   avg_entry_price = EXCLUDED.avg_entry_price,
			   realized_pnl = EXCLUDED.realized_pnl,
			   unrealized_pnl = EXCLUDED.unrealized_pnl,
			   total_equity = EXCLUDED.total_equity,
			   mark_price = EXCLUDED.mark_price,
			   seq = EXCLUDED.seq, ts_ns = EXCLUDED.ts_ns
			 WHERE positions.seq < EXCLUDED.seq`,
			p.TraderID, p.Position,
			p.Cash.String(), p.AvgEntryPrice.String(), p.RealizedPnL.String(),
			p.UnrealizedPnL.String(), p.TotalEquity.String(), p.MarkPrice.String(),
			int64(p.Seq), p.TsNs,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: upsert positions: %w", err)
	}
	return nil
}

// SaveBookSnapshot overwrites the single latest top-of-book row.
func (s *PostgresStore) SaveBookSnapshot(ctx context.Context, snap *BookSnapshot) error {
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("store: save book: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("store: save book: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO book_snapshots (id, best_bid, best_ask, bids, asks, seq, ts_ns)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   best_bid = EXCLUDED.best_bid, best_ask = EXCLUDED.best_ask,
		   bids = EXCLUDED.bids, asks = EXCLUDED.asks,
		   seq = EXCLUDED.seq, ts_ns = EXCLUDED.ts_ns
		 WHERE book_snapshots.seq < EXCLUDED.seq`,
		amountText(snap.BestBid), amountText(snap.BestAsk),
		bids, asks, int64(snap.Seq), snap.TsNs,
	)
	if err != nil {
		return fmt.Errorf("store: save book: %w", err)
	}
	return nil
}

// InsertEvents appends raw sequenced events in one batch round-trip.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(
			`INSERT INTO events (seq, type, ts_ns, payload)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (seq) DO NOTHING`,
			int64(e.Seq), e.Type, e.TsNs, e.Payload,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: insert events: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit fills, newest first.
func (s *PostgresStore) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, price::TEXT, qty, buy_trader_id, sell_trader_id,
		        buy_order_id, sell_order_id, seq, ts_ns
		 FROM trades ORDER BY trade_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var tradeID, qty, buyOrder, sellOrder, seq int64
		var price string
		if err := rows.Scan(&tradeID, &price, &qty, &t.BuyTraderID, &t.SellTraderID,
			&buyOrder, &sellOrder, &seq, &t.TsNs); err != nil {
			return nil, fmt.Errorf("store: recent trades: %w", err)
		}
		if t.Price, err = fixed.FromString(price); err != nil {
			return nil, fmt.Errorf("store: recent trades: %w", err)
		}
		t.TradeID, t.Qty = uint64(tradeID), uint32(qty)
		t.BuyOrderID, t.SellOrderID = uint64(buyOrder), uint64(sellOrder)
		t.Seq = uint64(seq)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Position returns one trader's latest snapshot.
func (s *PostgresStore) Position(ctx context.Context, traderID string) (*PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT trader_id, position, cash::TEXT, avg_entry_price::TEXT, realized_pnl::TEXT,
		        unrealized_pnl::TEXT, total_equity::TEXT, mark_price::TEXT, seq, ts_ns
		 FROM positions WHERE trader_id = $1`, traderID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: position %s: %w", traderID, err)
	}
	return p, nil
}

// Leaderboard ranks traders by total PnL descending, trader id ascending
// on ties.
func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trader_id, position, cash::TEXT, avg_entry_price::TEXT, realized_pnl::TEXT,
		        unrealized_pnl::TEXT, total_equity::TEXT, mark_price::TEXT, seq, ts_ns
		 FROM positions
		 ORDER BY (realized_pnl + unrealized_pnl) DESC, trader_id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: leaderboard: %w", err)
	}
	defer rows.Close()

	var board []PositionRecord
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("store: leaderboard: %w", err)
		}
		board = append(board, *p)
	}
	return board, rows.Err()
}

// LatestBook returns the most recent book snapshot.
func (s *PostgresStore) LatestBook(ctx context.Context) (*BookSnapshot, error) {
	var snap BookSnapshot
	var bestBid, bestAsk *string
	var bids, asks []byte
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT best_bid::TEXT, best_ask::TEXT, bids, asks, seq, ts_ns
		 FROM book_snapshots WHERE id = 1`).
		Scan(&bestBid, &bestAsk, &bids, &asks, &seq, &snap.TsNs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest book: %w", err)
	}
	if snap.BestBid, err = amountFromText(bestBid); err != nil {
		return nil, fmt.Errorf("store: latest book: %w", err)
	}
	if snap.BestAsk, err = amountFromText(bestAsk); err != nil {
		return nil, fmt.Errorf("store: latest book: %w", err)
	}
	if err := json.Unmarshal(bids, &snap.Bids); err != nil {
		return nil, fmt.Errorf("store: latest book: %w", err)
	}
	if err := json.Unmarshal(asks, &snap.Asks); err != nil {
		return nil, fmt.Errorf("store: latest book: %w", err)
	}
	snap.Seq = uint64(seq)
	return &snap, nil
}

// pgxRow covers both QueryRow results and rows within a Query loop.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanPosition(row pgxRow) (*PositionRecord, error) {
	var p PositionRecord
	var cash, avg, realized, unrealized, equity, mark string
	var seq int64
	if err := row.Scan(&p.TraderID, &p.Position, &cash, &avg, &realized,
		&unrealized, &equity, &mark, &seq, &p.TsNs); err != nil {
		return nil, err
	}
	var err error
	if p.Cash, err = fixed.FromString(cash); err != nil {
		return nil, err
	}
	if p.AvgEntryPrice, err = fixed.FromString(avg); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = fixed.FromString(realized); err != nil {
		return nil, err
	}
	if p.UnrealizedPnL, err = fixed.FromString(unrealized); err != nil {
		return nil, err
	}
	if p.TotalEquity, err = fixed.FromString(equity); err != nil {
		return nil, err
	}
	if p.MarkPrice, err = fixed.FromString(mark); err != nil {
		return nil, err
	}
	p.Seq = uint64(seq)
	return &p, nil
}

// amountText renders an optional amount for a nullable NUMERIC column.
func amountText(a *fixed.Amount) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

func amountFromText(s *string) (*fixed.Amount, error) {
	if s == nil {
		return nil, nil
	}
	a, err := fixed.FromString(*s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

var _ Store = (*PostgresStore)(nil)
