// Package binance streams USDT-M futures klines from Binance: a websocket
// per symbol for live candles and the REST klines endpoint for history.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

const maxHistoryLimit = 1500

type Config struct {
	WSURL             string // e.g. wss://fstream.binance.com/ws
	RESTURL           string // e.g. https://fapi.binance.com
	RESTTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.RESTTimeout == 0 {
		c.RESTTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Feed implements the pipeline's market data feed.
type Feed struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
	now  func() time.Time

	// OnReconnect is called with the symbol each time a stream reconnects.
	OnReconnect func(symbol string)
	// OnStatus reports a stream connecting or dropping.
	OnStatus func(symbol string, connected bool)
}

func New(cfg Config, log *zap.Logger) (*Feed, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.WSURL); err != nil {
		return nil, fmt.Errorf("binance ws url: %w", err)
	}
	if _, err := url.Parse(cfg.RESTURL); err != nil {
		return nil, fmt.Errorf("binance rest url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RESTTimeout},
		log:  log,
		now:  time.Now,
	}, nil
}

// Subscribe streams kline updates for symbol/timeframe into fn until ctx
// is cancelled, reconnecting with exponential backoff. fn is called from a
// single goroutine and must not block for long.
func (f *Feed) Subscribe(ctx context.Context, symbol, timeframe string, fn func(model.Candle)) error {
	stream := strings.TrimRight(f.cfg.WSURL, "/") + "/" + strings.ToLower(symbol) + "@kline_" + timeframe
	log := f.log.With(zap.String("symbol", symbol), zap.String("timeframe", timeframe))
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := f.runOnce(ctx, symbol, stream, fn, log)
		if connected {
			f.status(symbol, false)
		}
		if err == nil {
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}
		log.Warn("kline stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		if f.OnReconnect != nil {
			f.OnReconnect(symbol)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, f.cfg.MaxReconnectDelay)
	}
}

func (f *Feed) status(symbol string, connected bool) {
	if f.OnStatus != nil {
		f.OnStatus(symbol, connected)
	}
}

// runOnce makes one connection and reads until disconnect or cancellation.
// It returns nil only when ctx was cancelled.
func (f *Feed) runOnce(ctx context.Context, symbol, stream string, fn func(model.Candle), log *zap.Logger) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, stream, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	log.Info("kline stream connected")
	f.status(symbol, true)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		c, err := ParseKline(raw)
		if err != nil {
			log.Warn("kline parse failed", zap.Error(err))
			continue
		}
		fn(c)
	}
}

type klineMessage struct {
	Event string `json:"e"`
	K     struct {
		OpenTime int64  `json:"t"`
		Symbol   string `json:"s"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// ParseKline decodes one websocket kline message.
func ParseKline(raw []byte) (model.Candle, error) {
	var msg klineMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Candle{}, fmt.Errorf("%w: %v", model.ErrDataError, err)
	}
	if msg.Event != "kline" {
		return model.Candle{}, fmt.Errorf("%w: unexpected event %q", model.ErrDataError, msg.Event)
	}
	k := msg.K
	c := model.Candle{
		Symbol:    k.Symbol,
		Timeframe: k.Interval,
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		IsClosed:  k.Closed,
	}
	var err error
	if c.Open, err = parseNum(k.Open, "open"); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = parseNum(k.High, "high"); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = parseNum(k.Low, "low"); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = parseNum(k.Close, "close"); err != nil {
		return model.Candle{}, err
	}
	if c.Volume, err = parseNum(k.Volume, "volume"); err != nil {
		return model.Candle{}, err
	}
	return c, nil
}

// History returns up to limit of the most recent closed candles, oldest
// first. The still-forming candle is excluded.
func (f *Feed) History(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", timeframe)
	// One extra row in case the newest is still forming.
	q.Set("limit", strconv.Itoa(min(limit+1, maxHistoryLimit)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(f.cfg.RESTURL, "/")+"/fapi/v1/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("binance klines %s: http %d: %s", symbol, resp.StatusCode, string(body))
	}

	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decode klines: %v", model.ErrDataError, err)
	}

	now := f.now()
	out := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		c, closeTime, err := parseRESTRow(row)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		if !closeTime.Before(now) {
			continue
		}
		c.Symbol = strings.ToUpper(symbol)
		c.Timeframe = timeframe
		c.IsClosed = true
		out = append(out, c)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// parseRESTRow decodes [openTime, o, h, l, c, v, closeTime, ...].
func parseRESTRow(row []json.RawMessage) (model.Candle, time.Time, error) {
	if len(row) < 7 {
		return model.Candle{}, time.Time{}, fmt.Errorf("%w: short kline row (%d fields)", model.ErrDataError, len(row))
	}
	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return model.Candle{}, time.Time{}, fmt.Errorf("%w: open time: %v", model.ErrDataError, err)
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return model.Candle{}, time.Time{}, fmt.Errorf("%w: close time: %v", model.ErrDataError, err)
	}
	var fields [5]float64
	for i, name := range [...]string{"open", "high", "low", "close", "volume"} {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return model.Candle{}, time.Time{}, fmt.Errorf("%w: %s: %v", model.ErrDataError, name, err)
		}
		v, err := parseNum(s, name)
		if err != nil {
			return model.Candle{}, time.Time{}, err
		}
		fields[i] = v
	}
	c := model.Candle{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}
	// Binance close time is the last millisecond of the bucket.
	return c, time.UnixMilli(closeMs + 1).UTC(), nil
}

func parseNum(s, field string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: missing %s", model.ErrDataError, field)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", model.ErrDataError, field, s, errors.Unwrap(err))
	}
	return v, nil
}
