// Package history records fills and completed rounds in PostgreSQL.
// The repository is optional: a nil *Repository is valid and every
// method on it is a no-op, so callers never need to guard.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id              BIGSERIAL PRIMARY KEY,
	bot_id          TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_id        BIGINT NOT NULL,
	client_order_id TEXT NOT NULL,
	price           DOUBLE PRECISION NOT NULL,
	quantity        DOUBLE PRECISION NOT NULL,
	filled_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS fills_bot_id_idx ON fills (bot_id, filled_at);

CREATE TABLE IF NOT EXISTS rounds (
	id           BIGSERIAL PRIMARY KEY,
	bot_id       TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	realized_pnl DOUBLE PRECISION NOT NULL,
	duration_ms  BIGINT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS rounds_bot_id_idx ON rounds (bot_id, completed_at);
`

// Fill is a single trade execution attributed to a bot.
type Fill struct {
	BotID         string
	Symbol        string
	Side          string
	OrderID       int64
	ClientOrderID string
	Price         float64
	Quantity      float64
}

// Round is one completed strategy cycle.
type Round struct {
	BotID       string  `json:"botId"`
	Symbol      string  `json:"symbol"`
	Strategy    string  `json:"strategy"`
	RealizedPnl float64 `json:"realizedPnl"`
	DurationMs  int64   `json:"durationMs"`
}

// Repository persists trade history through a pgx connection pool.
type Repository struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects to the database and ensures the schema exists. An empty
// databaseURL returns a nil repository, which disables recording.
func New(ctx context.Context, databaseURL string, log zerolog.Logger) (*Repository, error) {
	if databaseURL == "" {
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}

	return &Repository{
		pool: pool,
		log:  log.With().Str("component", "history").Logger(),
	}, nil
}

// RecordFill inserts a fill row. Failures are logged, not returned;
// history must never stall trading.
func (r *Repository) RecordFill(ctx context.Context, f Fill) {
	if r == nil {
		return
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO fills (bot_id, symbol, side, order_id, client_order_id, price, quantity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.BotID, f.Symbol, f.Side, f.OrderID, f.ClientOrderID, f.Price, f.Quantity)
	if err != nil {
		r.log.Warn().Err(err).Str("bot_id", f.BotID).Msg("record fill failed")
	}
}

// RecordRound inserts a completed round row.
func (r *Repository) RecordRound(ctx context.Context, rd Round) {
	if r == nil {
		return
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rounds (bot_id, symbol, strategy, realized_pnl, duration_ms)
		 VALUES ($1, $2, $3, $4, $5)`,
		rd.BotID, rd.Symbol, rd.Strategy, rd.RealizedPnl, rd.DurationMs)
	if err != nil {
		r.log.Warn().Err(err).Str("bot_id", rd.BotID).Msg("record round failed")
	}
}

// RecentRounds returns the newest rounds for a bot, most recent first.
func (r *Repository) RecentRounds(ctx context.Context, botID string, limit int) ([]Round, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT bot_id, symbol, strategy, realized_pnl, duration_ms
		 FROM rounds WHERE bot_id = $1 ORDER BY completed_at DESC LIMIT $2`,
		botID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query rounds: %w", err)
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var rd Round
		if err := rows.Scan(&rd.BotID, &rd.Symbol, &rd.Strategy, &rd.RealizedPnl, &rd.DurationMs); err != nil {
			return nil, fmt.Errorf("history: scan round: %w", err)
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (r *Repository) Close() {
	if r == nil {
		return
	}
	r.pool.Close()
}
