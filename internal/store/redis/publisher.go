// Package redis publishes the engine's outbound event stream to Redis and
// listens for operator commands.
//
// Each event is written in one pipeline: PUBLISH of the JSON envelope on
// "<prefix>:<kind>", XADD of the msgpack envelope to the configured stream,
// and SET of "<prefix>:latest:<kind>[:<symbol>]" for late joiners.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"futures-enginev1/config"
	"futures-enginev1/internal/model"
)

const defaultLatestTTL = 24 * time.Hour

// Publisher writes events to Redis.
type Publisher struct {
	client *goredis.Client
	prefix string
	stream string
	maxLen int64
	log    *zap.Logger
}

// New connects to Redis and pings it.
func New(cfg config.RedisConfig, log *zap.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("redis connected", zap.String("addr", cfg.Addr))
	return &Publisher{
		client: client,
		prefix: cfg.ChannelPrefix,
		stream: cfg.Stream,
		maxLen: cfg.StreamMaxLen,
		log:    log,
	}, nil
}

// Client returns the underlying client for health checks and the command
// listener.
func (p *Publisher) Client() *goredis.Client { return p.client }

func (p *Publisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func (p *Publisher) Close() error { return p.client.Close() }

// Publish writes ev in a single pipeline.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	env := model.Wrap(ev)
	jsonData, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Kind, err)
	}
	packed, err := encodeMsgpack(env)
	if err != nil {
		return fmt.Errorf("msgpack %s: %w", env.Kind, err)
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, Channel(p.prefix, env.Kind), jsonData)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":   string(env.Kind),
			"symbol": env.Symbol,
			"data":   packed,
		},
	})
	pipe.Set(ctx, LatestKey(p.prefix, env.Kind, env.Symbol), jsonData, defaultLatestTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline %s: %w", env.Kind, err)
	}
	return nil
}

// Channel returns the pub/sub channel for an event kind.
func Channel(prefix string, kind model.EventKind) string {
	return prefix + ":" + string(kind)
}

// LatestKey returns the key holding the most recent event of a kind.
func LatestKey(prefix string, kind model.EventKind, symbol string) string {
	if symbol == "" {
		return prefix + ":latest:" + string(kind)
	}
	return prefix + ":latest:" + string(kind) + ":" + symbol
}

// encodeMsgpack encodes with the json field names so stream consumers see
// the same keys as pub/sub consumers.
func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
