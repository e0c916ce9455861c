package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertOrder = `
	INSERT INTO orders (id, signal_id, symbol, status, created_at, updated_at, data)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at,
		data = excluded.data`

func saveOrder(ctx context.Context, ex execer, o model.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = ex.ExecContext(ctx, upsertOrder,
		o.ID, o.SignalID, o.Symbol, string(o.Status),
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(), string(data))
	return err
}

func savePortfolio(ctx context.Context, ex execer, p model.PortfolioSnapshot) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal portfolio: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO portfolio_snapshots (ts, data) VALUES (?, ?)`, p.TS.UnixMilli(), string(data))
	return err
}

func (s *Store) SaveOrder(ctx context.Context, o model.Order) error {
	if err := saveOrder(ctx, s.db, o); err != nil {
		return fmt.Errorf("sqlite save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) SavePortfolio(ctx context.Context, p model.PortfolioSnapshot) error {
	if err := savePortfolio(ctx, s.db, p); err != nil {
		return fmt.Errorf("sqlite save portfolio: %w", err)
	}
	return nil
}

// SaveTick commits the touched orders and the snapshot in one transaction.
func (s *Store) SaveTick(ctx context.Context, orders []model.Order, p model.PortfolioSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin tick: %w", err)
	}
	for _, o := range orders {
		if err := saveOrder(ctx, tx, o); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite tick order %s: %w", o.ID, err)
		}
	}
	if err := savePortfolio(ctx, tx, p); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite tick portfolio: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveSignal(ctx context.Context, sig model.TradingSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (id, symbol, status, generated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		sig.ID, sig.Symbol, string(sig.Status), sig.GeneratedAt.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite save signal %s: %w", sig.ID, err)
	}
	return nil
}

// SaveCandles upserts closed candles in a single transaction.
func (s *Store) SaveCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite insert candle %s: %w", c.Key(), err)
		}
	}
	return tx.Commit()
}

// RunCandles reads closed candles from ch and inserts them in batched
// transactions, flushing every batch or every flush delay, whichever comes
// first. Blocks until ctx is cancelled or ch is closed.
func (s *Store) RunCandles(ctx context.Context, ch <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		// Use a detached context so the final flush survives cancellation.
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveCandles(fctx, batch); err != nil {
			s.log.Warn("candle batch insert failed", zap.Int("count", len(batch)), zap.Error(err))
		} else {
			s.log.Debug("candle batch committed", zap.Int("count", len(batch)), zap.Duration("took", time.Since(start)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case c, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}
