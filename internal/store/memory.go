package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and journal-only deployments. Not suitable for audit retention (no
// persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	trades    []TradeRecord
	positions map[string]PositionRecord
	book      *BookSnapshot
	events    []EventRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]PositionRecord),
	}
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, trades...)
	return nil
}

func (s *MemoryStore) UpsertPositions(_ context.Context, positions []PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range positions {
		if prev, ok := s.positions[p.TraderID]; ok && prev.Seq >= p.Seq {
			continue
		}
		s.positions[p.TraderID] = p
	}
	return nil
}

func (s *MemoryStore) SaveBookSnapshot(_ context.Context, snap *BookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.book != nil && s.book.Seq >= snap.Seq {
		return nil
	}
	cp := *snap
	s.book = &cp
	return nil
}

func (s *MemoryStore) InsertEvents(_ context.Context, events []EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, limit int) ([]TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.trades)
	if limit > n {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}
	out := make([]TradeRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.trades[i])
	}
	return out, nil
}

func (s *MemoryStore) Position(_ context.Context, traderID string) (*PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[traderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	board := make([]PositionRecord, 0, len(s.positions))
	for _, p := range s.positions {
		board = append(board, p)
	}
	sort.Slice(board, func(i, j int) bool {
		pi, erri := board[i].TotalPnL()
		pj, errj := board[j].TotalPnL()
		if erri != nil || errj != nil {
			return board[i].TraderID < board[j].TraderID
		}
		if pi != pj {
			return pi > pj
		}
		return board[i].TraderID < board[j].TraderID
	})
	if limit > 0 && limit < len(board) {
		board = board[:limit]
	}
	return board, nil
}

func (s *MemoryStore) LatestBook(_ context.Context) (*BookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.book == nil {
		return nil, ErrNotFound
	}
	cp := *s.book
	return &cp, nil
}

// Events returns every recorded raw event, in insertion order. Test
// helper; not part of the Store interface.
func (s *MemoryStore) Events() []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

var _ Store = (*MemoryStore)(nil)
