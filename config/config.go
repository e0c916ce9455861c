// Package config loads the engine configuration from YAML, with secrets and
// endpoints overridable from FUTURES_ENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"futures-enginev1/internal/model"
)

const envPrefix = "FUTURES_ENGINE_"

type Config struct {
	Symbols    []string           `yaml:"symbols"`
	Timeframe  string             `yaml:"timeframe"`
	Feed       FeedConfig         `yaml:"feed"`
	Indicators IndicatorConfig    `yaml:"indicators"`
	Regime     RegimeConfig       `yaml:"regime"`
	Risk       model.RiskSettings `yaml:"risk"`
	Pipeline   PipelineConfig     `yaml:"pipeline"`
	Storage    StorageConfig      `yaml:"storage"`
	Timescale  TimescaleConfig    `yaml:"timescale"`
	Redis      RedisConfig        `yaml:"redis"`
	Telegram   TelegramConfig     `yaml:"telegram"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	API        APIConfig          `yaml:"api"`
	Logging    LoggingConfig      `yaml:"logging"`
}

type FeedConfig struct {
	WSURL            string        `yaml:"ws_url"`
	RESTURL          string        `yaml:"rest_url"`
	RESTTimeout      time.Duration `yaml:"rest_timeout"`
	HistoryLimit     int           `yaml:"history_limit"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

type IndicatorConfig struct {
	VWAPResetHourUTC int     `yaml:"vwap_reset_hour_utc"`
	BBPeriod         int     `yaml:"bb_period"`
	BBK              float64 `yaml:"bb_k"`
	RSIPeriod        int     `yaml:"rsi_period"`
	StochPeriod      int     `yaml:"stoch_period"`
	StochK           int     `yaml:"stoch_k"`
	StochD           int     `yaml:"stoch_d"`
	ADXPeriod        int     `yaml:"adx_period"`
	ATRPeriod        int     `yaml:"atr_period"`
	VolumePeriod     int     `yaml:"volume_period"`
	Window           int     `yaml:"window"`
}

type RegimeConfig struct {
	Window                 int           `yaml:"window"`
	MinObservations        int           `yaml:"min_observations"`
	ClassifyWindow         int           `yaml:"classify_window"`
	ReturnPeriod           int           `yaml:"return_period"`
	RetrainInterval        int           `yaml:"retrain_interval"`
	LowConfidence          float64       `yaml:"low_confidence"`
	LowConfidenceRun       int           `yaml:"low_confidence_run"`
	MaxIter                int           `yaml:"max_iter"`
	Tol                    float64       `yaml:"tol"`
	TrendStrengthThreshold float64       `yaml:"trend_strength_threshold"`
	HighVolPercentile      float64       `yaml:"high_vol_percentile"`
	RangingMode            string        `yaml:"ranging_mode"`
	RangingPenalty         float64       `yaml:"ranging_penalty"`
	TrainTimeout           time.Duration `yaml:"train_timeout"`
}

type PipelineConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	ResyncLimit   int           `yaml:"resync_limit"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	EventBuffer   int           `yaml:"event_buffer"`
	Window        int           `yaml:"window"` // candles handed to the strategy
}

type StorageConfig struct {
	SQLitePath             string `yaml:"sqlite_path"`
	PersistenceMaxFailures int    `yaml:"persistence_max_failures"`
	CandleQueue            int    `yaml:"candle_queue"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	ChannelPrefix   string `yaml:"channel_prefix"`
	Stream          string `yaml:"stream"`
	StreamMaxLen    int64  `yaml:"stream_maxlen"`
	CommandsChannel string `yaml:"commands_channel"`
	BufferSize      int    `yaml:"buffer_size"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type APIConfig struct {
	Addr         string `yaml:"addr"`
	StreamReplay int    `yaml:"stream_replay"` // frames kept for websocket resume
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a configuration with every default applied. Load
// unmarshals on top of it, so YAML only needs to name overrides.
func Default() *Config {
	cfg := &Config{
		Risk: model.DefaultRiskSettings(),
		Indicators: IndicatorConfig{
			BBPeriod: 20, BBK: 2, RSIPeriod: 14, StochPeriod: 14, StochK: 3, StochD: 3,
			ADXPeriod: 14, ATRPeriod: 14, VolumePeriod: 20, Window: 2000,
		},
		Regime: RegimeConfig{
			Window: 1000, MinObservations: 200, ClassifyWindow: 100, ReturnPeriod: 20,
			RetrainInterval: 96, LowConfidence: 0.55, LowConfidenceRun: 10,
			MaxIter: 50, Tol: 1e-3, TrendStrengthThreshold: 0.25, HighVolPercentile: 0.7,
			RangingMode: "block", RangingPenalty: 0.2, TrainTimeout: 30 * time.Second,
		},
	}
	applyDefaults(cfg)
	return cfg
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes, then applies defaults, environment overrides
// and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyDefaults(cfg *Config) {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "15m"
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if cfg.Feed.WSURL == "" {
		cfg.Feed.WSURL = "wss://fstream.binance.com/ws"
	}
	if cfg.Feed.RESTURL == "" {
		cfg.Feed.RESTURL = "https://fapi.binance.com"
	}
	if cfg.Feed.RESTTimeout == 0 {
		cfg.Feed.RESTTimeout = 10 * time.Second
	}
	if cfg.Feed.HistoryLimit == 0 {
		cfg.Feed.HistoryLimit = 500
	}
	if cfg.Feed.ReconnectBackoff == 0 {
		cfg.Feed.ReconnectBackoff = time.Second
	}
	if cfg.Feed.MaxBackoff == 0 {
		cfg.Feed.MaxBackoff = 30 * time.Second
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 256
	}
	if cfg.Pipeline.ResyncLimit == 0 {
		cfg.Pipeline.ResyncLimit = 100
	}
	if cfg.Pipeline.SweepInterval == 0 {
		cfg.Pipeline.SweepInterval = 5 * time.Second
	}
	if cfg.Pipeline.EventBuffer == 0 {
		cfg.Pipeline.EventBuffer = 1024
	}
	if cfg.Pipeline.Window == 0 {
		cfg.Pipeline.Window = 200
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/futures-engine.db"
	}
	if cfg.Storage.PersistenceMaxFailures == 0 {
		cfg.Storage.PersistenceMaxFailures = 3
	}
	if cfg.Storage.CandleQueue == 0 {
		cfg.Storage.CandleQueue = 1024
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = "futures"
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "futures:events"
	}
	if cfg.Redis.StreamMaxLen == 0 {
		cfg.Redis.StreamMaxLen = 100000
	}
	if cfg.Redis.CommandsChannel == "" {
		cfg.Redis.CommandsChannel = cfg.Redis.ChannelPrefix + ":commands"
	}
	if cfg.Redis.BufferSize == 0 {
		cfg.Redis.BufferSize = 10000
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.API.StreamReplay == 0 {
		cfg.API.StreamReplay = 500
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 14
	}
}

// applyEnv overrides secrets and endpoints from the environment.
func applyEnv(cfg *Config) error {
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Timescale.DSN, "TIMESCALE_DSN")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	setString(&cfg.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&cfg.Metrics.Addr, "METRICS_ADDR")
	setString(&cfg.API.Addr, "API_ADDR")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	if v, ok := lookup("SYMBOLS"); ok {
		cfg.Symbols = cfg.Symbols[:0]
		for _, s := range strings.Split(v, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				cfg.Symbols = append(cfg.Symbols, s)
			}
		}
	}
	if v, ok := lookup("REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", envPrefix, err)
		}
		cfg.Redis.DB = n
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("symbols must not be empty")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" || seen[s] {
			return fmt.Errorf("symbols: empty or duplicate entry %q", s)
		}
		seen[s] = true
	}
	if _, err := model.ParseTimeframe(c.Timeframe); err != nil {
		return fmt.Errorf("timeframe: %w", err)
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	ind := c.Indicators
	if ind.VWAPResetHourUTC < 0 || ind.VWAPResetHourUTC > 23 {
		return errors.New("indicators.vwap_reset_hour_utc must be in [0, 23]")
	}
	for name, v := range map[string]int{
		"bb_period": ind.BBPeriod, "rsi_period": ind.RSIPeriod, "stoch_period": ind.StochPeriod,
		"stoch_k": ind.StochK, "stoch_d": ind.StochD, "adx_period": ind.ADXPeriod,
		"atr_period": ind.ATRPeriod, "volume_period": ind.VolumePeriod, "window": ind.Window,
	} {
		if v <= 0 {
			return fmt.Errorf("indicators.%s must be > 0", name)
		}
	}
	if ind.BBK <= 0 {
		return errors.New("indicators.bb_k must be > 0")
	}
	if c.Regime.RangingMode != "block" && c.Regime.RangingMode != "penalty" {
		return fmt.Errorf("regime.ranging_mode must be block or penalty, got %q", c.Regime.RangingMode)
	}
	if c.Regime.MinObservations <= 0 || c.Regime.Window < c.Regime.MinObservations {
		return errors.New("regime: need 0 < min_observations <= window")
	}
	if c.Regime.HighVolPercentile <= 0 || c.Regime.HighVolPercentile >= 1 {
		return errors.New("regime.high_vol_percentile must be in (0, 1)")
	}
	if c.Pipeline.QueueSize <= 0 || c.Pipeline.ResyncLimit <= 0 {
		return errors.New("pipeline.queue_size and pipeline.resync_limit must be > 0")
	}
	if c.Storage.PersistenceMaxFailures <= 0 {
		return errors.New("storage.persistence_max_failures must be > 0")
	}
	if c.Timescale.Enabled && c.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is invalid", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format %q is invalid", c.Logging.Format)
	}
	return nil
}
