// Package store persists engine state. The Mongo implementation is the
// production store; the memory implementation backs tests and dry runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
)

// MemoryStore implements core.IStore in memory.
type MemoryStore struct {
	mu sync.RWMutex

	orders       map[string]core.Order
	positions    map[string]core.Position
	lots         map[string]core.Lot
	lotSequences map[string]int
	trades       map[string]core.Trade
	signals      []core.SignalRecord
	botStates    map[string]core.BotState
	botConfigs   map[string]core.BotConfig
	exchangeInfo map[string]core.Pair
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]core.Order),
		positions:    make(map[string]core.Position),
		lots:         make(map[string]core.Lot),
		lotSequences: make(map[string]int),
		trades:       make(map[string]core.Trade),
		botStates:    make(map[string]core.BotState),
		botConfigs:   make(map[string]core.BotConfig),
	}
}

func (s *MemoryStore) SaveOrder(ctx context.Context, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ClientOrderID] = *o
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, clientOrderID string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) OrdersByPosition(ctx context.Context, positionID string) ([]core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Order
	for _, o := range s.orders {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) SavePosition(ctx context.Context, p *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) OpenPositions(ctx context.Context, userID string) ([]core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status != core.PositionClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) SaveLot(ctx context.Context, l *core.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots[l.ID] = *l
	return nil
}

func (s *MemoryStore) NextLotSequence(ctx context.Context, userID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + ":" + day.UTC().Format("20060102")
	s.lotSequences[key]++
	return s.lotSequences[key], nil
}

func (s *MemoryStore) SaveTrade(ctx context.Context, t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = *t
	return nil
}

func (s *MemoryStore) RecentTrades(ctx context.Context, userID string, playbook core.Playbook, limit int) ([]core.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Trade
	for _, t := range s.trades {
		if t.UserID != userID {
			continue
		}
		if playbook != "" && t.Playbook != playbook {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveSignalRecord(ctx context.Context, r *core.SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, *r)
	return nil
}

func (s *MemoryStore) LoadBotState(ctx context.Context, userID string) (*core.BotState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.botStates[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) SaveBotState(ctx context.Context, st *core.BotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botStates[st.UserID] = *st
	return nil
}

func (s *MemoryStore) LoadBotConfig(ctx context.Context, userID string) (*core.BotConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.botConfigs[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) SaveBotConfig(ctx context.Context, c *core.BotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botConfigs[c.UserID] = *c
	return nil
}

func (s *MemoryStore) SaveExchangeInfo(ctx context.Context, pairs map[string]core.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]core.Pair, len(pairs))
	for k, v := range pairs {
		cp[k] = v
	}
	s.exchangeInfo = cp
	return nil
}

func (s *MemoryStore) LoadExchangeInfo(ctx context.Context) (map[string]core.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.exchangeInfo == nil {
		return nil, apperrors.ErrNotFound
	}
	cp := make(map[string]core.Pair, len(s.exchangeInfo))
	for k, v := range s.exchangeInfo {
		cp[k] = v
	}
	return cp, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Lots returns every stored lot ordered by id. Test helper.
func (s *MemoryStore) Lots() []core.Lot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Lot, 0, len(s.lots))
	for _, l := range s.lots {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SignalRecords returns every persisted candidate record in insertion
// order. Test helper.
func (s *MemoryStore) SignalRecords() []core.SignalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.SignalRecord(nil), s.signals...)
}
