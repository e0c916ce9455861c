// Package memory is a process-local model.Store for backtests and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"futures-enginev1/internal/model"
)

const defaultLimit = 100

// Store keeps everything in maps guarded by one mutex. FailWrites, when
// set, makes every write return its error (used to exercise persistence
// failure handling).
type Store struct {
	mu         sync.RWMutex
	orders     map[string]model.Order
	signals    map[string]model.TradingSignal
	portfolio  []model.PortfolioSnapshot
	candles    map[string][]model.Candle
	FailWrites error
}

var _ model.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:  make(map[string]model.Order),
		signals: make(map[string]model.TradingSignal),
		candles: make(map[string][]model.Candle),
	}
}

func (s *Store) SaveOrder(_ context.Context, o model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *Store) QueryOrders(_ context.Context, q model.Query) ([]model.Order, error) {
	s.mu.RLock()
	out := make([]model.Order, 0)
	for _, o := range s.orders {
		if match(q, o.Symbol, string(o.Status), o.CreatedAt) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return paginate(out, q), nil
}

func (s *Store) SaveSignal(_ context.Context, sig model.TradingSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.signals[sig.ID] = sig.Clone()
	return nil
}

func (s *Store) GetSignal(_ context.Context, id string) (model.TradingSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[id]
	if !ok {
		return model.TradingSignal{}, fmt.Errorf("signal %s: %w", id, model.ErrNotFound)
	}
	return sig.Clone(), nil
}

func (s *Store) QuerySignals(_ context.Context, q model.Query) ([]model.TradingSignal, error) {
	s.mu.RLock()
	out := make([]model.TradingSignal, 0)
	for _, sig := range s.signals {
		if match(q, sig.Symbol, string(sig.Status), sig.GeneratedAt) {
			out = append(out, sig.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.TradingSignal) int {
		if c := b.GeneratedAt.Compare(a.GeneratedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return paginate(out, q), nil
}

func (s *Store) SavePortfolio(_ context.Context, p model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.portfolio = append(s.portfolio, p)
	return nil
}

func (s *Store) LatestPortfolio(_ context.Context) (model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.portfolio) == 0 {
		return model.PortfolioSnapshot{}, fmt.Errorf("portfolio: %w", model.ErrNotFound)
	}
	return s.portfolio[len(s.portfolio)-1], nil
}

func (s *Store) QueryPortfolio(_ context.Context, q model.Query) ([]model.PortfolioSnapshot, error) {
	q.Symbol, q.Statuses = "", nil
	s.mu.RLock()
	out := make([]model.PortfolioSnapshot, 0)
	for i := len(s.portfolio) - 1; i >= 0; i-- {
		if p := s.portfolio[i]; match(q, "", "", p.TS) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	return paginate(out, q), nil
}

// SaveTick applies orders and snapshot under one lock, so readers never
// observe half a tick.
func (s *Store) SaveTick(_ context.Context, orders []model.Order, p model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	for _, o := range orders {
		s.orders[o.ID] = o.Clone()
	}
	s.portfolio = append(s.portfolio, p)
	return nil
}

func (s *Store) SaveCandles(_ context.Context, cs []model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	for _, c := range cs {
		k := c.Key()
		list := s.candles[k]
		i, found := slices.BinarySearchFunc(list, c.OpenTime, func(e model.Candle, t time.Time) int {
			return e.OpenTime.Compare(t)
		})
		if found {
			list[i] = c
		} else {
			list = slices.Insert(list, i, c)
		}
		s.candles[k] = list
	}
	return nil
}

func (s *Store) ReadCandles(_ context.Context, symbol, timeframe string, after time.Time, limit int) ([]model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Candle, 0)
	for _, c := range s.candles[symbol+":"+timeframe] {
		if !c.OpenTime.After(after) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func match(q model.Query, symbol, status string, ts time.Time) bool {
	if q.Symbol != "" && q.Symbol != symbol {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, status) {
		return false
	}
	if !q.From.IsZero() && ts.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !ts.Before(q.To) {
		return false
	}
	return true
}

func paginate[T any](in []T, q model.Query) []T {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if q.Offset >= len(in) {
		return in[:0]
	}
	in = in[max(q.Offset, 0):]
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
