package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the REST read model. Writes go to the primary store and
// invalidate the affected keys; reads check Redis first then fall back to
// the primary. Cache failures degrade to primary reads, never to errors.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (write to primary, invalidate cache) ---

func (s *CachedStore) InsertTrades(ctx context.Context, trades []TradeRecord) error {
	if err := s.primary.InsertTrades(ctx, trades); err != nil {
		return err
	}
	if len(trades) > 0 {
		s.rdb.Del(ctx, tradesKey)
	}
	return nil
}

func (s *CachedStore) UpsertPositions(ctx context.Context, positions []PositionRecord) error {
	if err := s.primary.UpsertPositions(ctx, positions); err != nil {
		return err
	}
	if len(positions) > 0 {
		keys := make([]string, 0, len(positions)+1)
		for _, p := range positions {
			keys = append(keys, positionKey(p.TraderID))
		}
		keys = append(keys, leaderboardKey)
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) SaveBookSnapshot(ctx context.Context, snap *BookSnapshot) error {
	if err := s.primary.SaveBookSnapshot(ctx, snap); err != nil {
		return err
	}
	// Write-through: the latest book is the hottest read.
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, bookKey, data, s.ttl)
	}
	return nil
}

func (s *CachedStore) InsertEvents(ctx context.Context, events []EventRecord) error {
	return s.primary.InsertEvents(ctx, events)
}

// --- Reads (check cache first) ---

func (s *CachedStore) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	data, err := s.rdb.Get(ctx, tradesKey).Bytes()
	if err == nil {
		var cached []TradeRecord
		if json.Unmarshal(data, &cached) == nil && len(cached) >= limit {
			return cached[:limit], nil
		}
	}

	trades, err := s.primary.RecentTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey, data, s.ttl)
	}
	return trades, nil
}

func (s *CachedStore) Position(ctx context.Context, traderID string) (*PositionRecord, error) {
	data, err := s.rdb.Get(ctx, positionKey(traderID)).Bytes()
	if err == nil {
		var p PositionRecord
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.Position(ctx, traderID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(traderID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]PositionRecord, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey).Bytes()
	if err == nil {
		var cached []PositionRecord
		if json.Unmarshal(data, &cached) == nil && len(cached) >= limit {
			return cached[:limit], nil
		}
	}

	board, err := s.primary.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(board); err == nil {
		s.rdb.Set(ctx, leaderboardKey, data, s.ttl)
	}
	return board, nil
}

func (s *CachedStore) LatestBook(ctx context.Context) (*BookSnapshot, error) {
	data, err := s.rdb.Get(ctx, bookKey).Bytes()
	if err == nil {
		var snap BookSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LatestBook(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, bookKey, data, s.ttl)
	}
	return snap, nil
}

// --- Cache keys ---

const (
	tradesKey      = "exch:trades:recent"
	leaderboardKey = "exch:leaderboard"
	bookKey        = "exch:book:latest"
)

func positionKey(traderID string) string { return fmt.Sprintf("exch:position:%s", traderID) }

var _ Store = (*CachedStore)(nil)
