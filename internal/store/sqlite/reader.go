package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"futures-enginev1/internal/model"
)

func (s *Store) GetOrder(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	err := getJSON(ctx, s.db, `SELECT data FROM orders WHERE id = ?`, id, &o)
	if err != nil {
		return o, fmt.Errorf("sqlite get order %s: %w", id, err)
	}
	return o, nil
}

// QueryOrders returns orders newest first.
func (s *Store) QueryOrders(ctx context.Context, q model.Query) ([]model.Order, error) {
	cond, args := where(q, "created_at")
	limit, offset := page(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM orders`+cond+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query orders: %w", err)
	}
	return scanJSON[model.Order](rows)
}

func (s *Store) GetSignal(ctx context.Context, id string) (model.TradingSignal, error) {
	var sig model.TradingSignal
	err := getJSON(ctx, s.db, `SELECT data FROM signals WHERE id = ?`, id, &sig)
	if err != nil {
		return sig, fmt.Errorf("sqlite get signal %s: %w", id, err)
	}
	return sig, nil
}

// QuerySignals returns signals newest first.
func (s *Store) QuerySignals(ctx context.Context, q model.Query) ([]model.TradingSignal, error) {
	cond, args := where(q, "generated_at")
	limit, offset := page(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM signals`+cond+` ORDER BY generated_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	return scanJSON[model.TradingSignal](rows)
}

func (s *Store) LatestPortfolio(ctx context.Context) (model.PortfolioSnapshot, error) {
	var p model.PortfolioSnapshot
	err := getJSON(ctx, s.db, `SELECT data FROM portfolio_snapshots ORDER BY id DESC LIMIT 1`, nil, &p)
	if err != nil {
		return p, fmt.Errorf("sqlite latest portfolio: %w", err)
	}
	return p, nil
}

// QueryPortfolio returns snapshots in a time range, newest first. Symbol
// and Statuses are ignored.
func (s *Store) QueryPortfolio(ctx context.Context, q model.Query) ([]model.PortfolioSnapshot, error) {
	q.Symbol, q.Statuses = "", nil
	cond, args := where(q, "ts")
	limit, offset := page(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM portfolio_snapshots`+cond+` ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query portfolio: %w", err)
	}
	return scanJSON[model.PortfolioSnapshot](rows)
}

// ReadCandles returns closed candles opened strictly after after, oldest
// first. limit <= 0 reads everything.
func (s *Store) ReadCandles(ctx context.Context, symbol, timeframe string, after time.Time, limit int) ([]model.Candle, error) {
	query := `
		SELECT symbol, timeframe, open_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time > ?
		ORDER BY open_time ASC`
	args := []any{symbol, timeframe, after.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var (
			c  model.Candle
			ms int64
		)
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &ms, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.OpenTime = time.UnixMilli(ms).UTC()
		c.IsClosed = true
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func getJSON(ctx context.Context, db *sql.DB, query string, arg any, dst any) error {
	var row *sql.Row
	if arg == nil {
		row = db.QueryRowContext(ctx, query)
	} else {
		row = db.QueryRowContext(ctx, query, arg)
	}
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(data), dst)
}

func scanJSON[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
