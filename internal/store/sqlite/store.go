// Package sqlite is the durable store: orders, signals, portfolio
// snapshots and closed candles in one SQLite database (WAL mode).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Store implements model.Store on SQLite.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

var _ model.Store = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
func New(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Single writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("sqlite store opened", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id         TEXT    PRIMARY KEY,
			signal_id  TEXT,
			symbol     TEXT    NOT NULL,
			status     TEXT    NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data       TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, created_at);

		CREATE TABLE IF NOT EXISTS signals (
			id           TEXT    PRIMARY KEY,
			symbol       TEXT    NOT NULL,
			status       TEXT    NOT NULL,
			generated_at INTEGER NOT NULL,
			data         TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status, generated_at);
		CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol, generated_at);

		CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			ts   INTEGER NOT NULL,
			data TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_portfolio_ts ON portfolio_snapshots(ts);

		CREATE TABLE IF NOT EXISTS candles (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			open_time INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			PRIMARY KEY (symbol, timeframe, open_time)
		);
	`)
	return err
}

// where builds a WHERE clause for q against the given time column.
func where(q model.Query, timeCol string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, q.Symbol)
	}
	if len(q.Statuses) > 0 {
		conds = append(conds, "status IN (?"+strings.Repeat(",?", len(q.Statuses)-1)+")")
		for _, st := range q.Statuses {
			args = append(args, st)
		}
	}
	if !q.From.IsZero() {
		conds = append(conds, timeCol+" >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		conds = append(conds, timeCol+" < ?")
		args = append(args, q.To.UnixMilli())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// page returns LIMIT/OFFSET args with defaults applied.
func page(q model.Query) (int, int) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, max(q.Offset, 0)
}
