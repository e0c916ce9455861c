// Package replay feeds stored closed candles back through the engine for
// backtesting.
package replay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

const defaultPageSize = 1000

// Replayer reads closed candles from a CandleStore and emits them in
// open-time order across symbols.
type Replayer struct {
	store    model.CandleStore
	log      *zap.Logger
	pageSize int
}

func New(store model.CandleStore, log *zap.Logger) *Replayer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replayer{store: store, log: log, pageSize: defaultPageSize}
}

// cursor pages through one symbol's candles.
type cursor struct {
	symbol string
	buf    []model.Candle
	after  time.Time
	done   bool
}

func (r *Replayer) fill(ctx context.Context, c *cursor, timeframe string) error {
	if len(c.buf) > 0 || c.done {
		return nil
	}
	page, err := r.store.ReadCandles(ctx, c.symbol, timeframe, c.after, r.pageSize)
	if err != nil {
		return err
	}
	if len(page) < r.pageSize {
		c.done = true
	}
	if len(page) > 0 {
		c.after = page[len(page)-1].OpenTime
	}
	c.buf = page
	return nil
}

// Run emits every stored candle opened at or after from, merged across
// symbols by open time (ties broken by symbol order). speed scales the
// wall-clock gaps between candles (1 = real time); 0 replays as fast as
// possible. It stops at the first emit error and returns the number of
// candles emitted.
func (r *Replayer) Run(ctx context.Context, symbols []string, timeframe string, from time.Time, speed float64, emit func(model.Candle) error) (int, error) {
	cursors := make([]*cursor, len(symbols))
	for i, s := range symbols {
		// ReadCandles is exclusive of after.
		cursors[i] = &cursor{symbol: s, after: from.Add(-time.Millisecond)}
	}

	var prev time.Time
	emitted := 0
	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("replay cancelled", zap.Int("emitted", emitted))
			return emitted, err
		}

		var next *cursor
		for _, c := range cursors {
			if err := r.fill(ctx, c, timeframe); err != nil {
				return emitted, err
			}
			if len(c.buf) == 0 {
				continue
			}
			if next == nil || c.buf[0].OpenTime.Before(next.buf[0].OpenTime) {
				next = c
			}
		}
		if next == nil {
			break
		}
		candle := next.buf[0]
		next.buf = next.buf[1:]

		if speed > 0 && !prev.IsZero() {
			if gap := candle.OpenTime.Sub(prev); gap > 0 {
				wait := min(time.Duration(float64(gap)/speed), 5*time.Second)
				select {
				case <-ctx.Done():
					return emitted, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prev = candle.OpenTime

		candle.IsClosed = true
		if err := emit(candle); err != nil {
			return emitted, err
		}
		emitted++
	}

	r.log.Info("replay completed", zap.Int("emitted", emitted), zap.Strings("symbols", symbols))
	return emitted, nil
}
