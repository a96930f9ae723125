package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schemaSQL string

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres and pings it.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgres(db, pool.QueryTimeout), nil
}

// NewPostgres wraps an open connection. A zero timeout means 30s per query.
func NewPostgres(db *sqlx.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

func (p *Postgres) DB() *sqlx.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("Migrate | schema applied")
	return nil
}

// executeWithTransaction runs fn inside the transaction from ctx, or in a new
// one that is committed when fn succeeds.
func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transaction commit failed: %w", err)
	}
	return nil
}

// queryer uses the transaction from ctx when there is one.
func (p *Postgres) queryer(ctx context.Context) sqlx.ExtContext {
	if tx := GetTransaction(ctx); tx != nil {
		return tx
	}
	return p.db
}

// -------- CandleStore --------

const upsertCandleSQL = `
	INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume, source)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (symbol, timeframe, timestamp, source) DO UPDATE SET
		open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low,
		close=EXCLUDED.close, volume=EXCLUDED.volume`

func (p *Postgres) SaveCandles(ctx context.Context, candles []candle.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d for %s %s at %s: %w",
				i, c.Symbol, c.Timeframe, c.Timestamp, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout*time.Duration(len(candles)/1000+1))
	defer cancel()

	return p.executeWithTransaction(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer stmt.Close()

		for i, c := range candles {
			if _, err := stmt.ExecContext(ctx,
				c.Symbol, c.Timeframe, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume, c.Source); err != nil {
				return fmt.Errorf("failed to save candle at index %d (%s %s at %s): %w",
					i, c.Symbol, c.Timeframe, c.Timestamp, err)
			}
		}
		return nil
	})
}

func (p *Postgres) GetCandles(ctx context.Context, symbol, timeframe, source string, start, end time.Time) ([]candle.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT timestamp, open, high, low, close, volume, symbol, timeframe, source
		FROM candles
		WHERE symbol=$1 AND timeframe=$2 AND timestamp >= $3 AND timestamp < $4`
	args := []any{symbol, timeframe, start.UTC(), end.UTC()}
	if source != "" {
		query += " AND source=$5"
		args = append(args, source)
	}
	query += " ORDER BY timestamp ASC"

	var candles []candle.Candle
	if err := sqlx.SelectContext(ctx, p.queryer(ctx), &candles, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query candles in range: %w", err)
	}
	for i := range candles {
		candles[i].Timestamp = candles[i].Timestamp.UTC()
	}
	return candles, nil
}

func (p *Postgres) DeleteCandles(ctx context.Context, symbol, timeframe string, before time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.queryer(ctx).ExecContext(ctx,
		`DELETE FROM candles WHERE symbol=$1 AND timeframe=$2 AND timestamp < $3`,
		symbol, timeframe, before.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete candles: %w", err)
	}
	return nil
}

// -------- RunStore --------

const runColumns = `id, strategy, symbol, timeframe, mode, start_time, end_time,
	initial_capital, final_equity, halted, params, metrics, stats, created_at`

func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// SaveRun stores the run header, its trades and its equity curve atomically.
func (p *Postgres) SaveRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	rows := len(run.Trades) + len(run.Equity)
	ctx, cancel := context.WithTimeout(ctx, p.timeout*time.Duration(rows/1000+1))
	defer cancel()

	return p.executeWithTransaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			run.ID, run.Strategy, run.Symbol, run.Timeframe, run.Mode, run.StartTime.UTC(), run.EndTime.UTC(),
			run.InitialCapital, run.FinalEquity, run.Halted,
			jsonText(run.Params), jsonText(run.Metrics), jsonText(run.Stats), run.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicateRun, run.ID)
			}
			return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
		}

		if len(run.Trades) > 0 {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO backtest_trades (run_id, seq, symbol, side, entry_time, exit_time, entry_price,
					exit_price, quantity, pnl, return_pct, commission, reason, mae, mfe)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`)
			if err != nil {
				return fmt.Errorf("failed to prepare trade insert: %w", err)
			}
			defer stmt.Close()
			for i, t := range run.Trades {
				if _, err := stmt.ExecContext(ctx, run.ID, i+1, t.Symbol, t.Side, t.EntryTime.UTC(), t.ExitTime.UTC(),
					t.EntryPrice, t.ExitPrice, t.Quantity, t.PnL, t.ReturnPct, t.Commission, t.Reason, t.MAE, t.MFE); err != nil {
					return fmt.Errorf("failed to insert trade %d of run %s: %w", i+1, run.ID, err)
				}
			}
		}

		if len(run.Equity) > 0 {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO backtest_equity (run_id, seq, ts, cash, position_value, equity)
				VALUES ($1, $2, $3, $4, $5, $6)`)
			if err != nil {
				return fmt.Errorf("failed to prepare equity insert: %w", err)
			}
			defer stmt.Close()
			for i, e := range run.Equity {
				if _, err := stmt.ExecContext(ctx, run.ID, i+1, e.Time.UTC(), e.Cash, e.PositionValue, e.Equity); err != nil {
					return fmt.Errorf("failed to insert equity point %d of run %s: %w", i+1, run.ID, err)
				}
			}
		}
		return nil
	})
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var run Run
	err := sqlx.GetContext(ctx, p.queryer(ctx), &run,
		`SELECT `+runColumns+` FROM backtest_runs WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Symbol != "" {
		args = append(args, strings.ToUpper(filter.Symbol))
		where = append(where, fmt.Sprintf("UPPER(symbol)=$%d", len(args)))
	}
	if filter.Strategy != "" {
		args = append(args, filter.Strategy)
		where = append(where, fmt.Sprintf("strategy=$%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM backtest_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit(), filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var runs []Run
	if err := sqlx.SelectContext(ctx, p.queryer(ctx), &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// exists reports ErrNotFound for an unknown run so that an empty child list
// can be told apart from a missing run.
func (p *Postgres) exists(ctx context.Context, id string) error {
	var n int
	if err := sqlx.GetContext(ctx, p.queryer(ctx), &n, `SELECT COUNT(*) FROM backtest_runs WHERE id=$1`, id); err != nil {
		return fmt.Errorf("failed to look up run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) GetRunTrades(ctx context.Context, id string) ([]TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.exists(ctx, id); err != nil {
		return nil, err
	}
	var trades []TradeRecord
	err := sqlx.SelectContext(ctx, p.queryer(ctx), &trades, `
		SELECT run_id, seq, symbol, side, entry_time, exit_time, entry_price, exit_price,
			quantity, pnl, return_pct, commission, reason, mae, mfe
		FROM backtest_trades WHERE run_id=$1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades of run %s: %w", id, err)
	}
	return trades, nil
}

func (p *Postgres) GetRunEquity(ctx context.Context, id string) ([]EquityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.exists(ctx, id); err != nil {
		return nil, err
	}
	var points []EquityRecord
	err := sqlx.SelectContext(ctx, p.queryer(ctx), &points, `
		SELECT run_id, seq, ts, cash, position_value, equity
		FROM backtest_equity WHERE run_id=$1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity of run %s: %w", id, err)
	}
	return points, nil
}

func (p *Postgres) DeleteRun(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.queryer(ctx).ExecContext(ctx, `DELETE FROM backtest_runs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return nil
}
