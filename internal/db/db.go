// Package db persists candles and backtest runs.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateRun = errors.New("run already exists")
)

// CandleStore keeps historical candles keyed by symbol, timeframe, timestamp and source.
type CandleStore interface {
	SaveCandles(ctx context.Context, candles []candle.Candle) error
	// GetCandles returns candles with start <= timestamp < end, oldest first.
	// An empty source matches every source.
	GetCandles(ctx context.Context, symbol, timeframe, source string, start, end time.Time) ([]candle.Candle, error)
	DeleteCandles(ctx context.Context, symbol, timeframe string, before time.Time) error
}

// RunStore keeps finished backtest runs with their trades and equity curve.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	GetRunTrades(ctx context.Context, id string) ([]TradeRecord, error)
	GetRunEquity(ctx context.Context, id string) ([]EquityRecord, error)
	DeleteRun(ctx context.Context, id string) error
}

// Storage is the interface for all persistent storage.
type Storage interface {
	CandleStore
	RunStore
	Close() error
}

// Run is the stored form of a backtest result. Params, Metrics and Stats are
// kept as JSON documents.
type Run struct {
	ID             string          `db:"id" json:"id"`
	Strategy       string          `db:"strategy" json:"strategy"`
	Symbol         string          `db:"symbol" json:"symbol"`
	Timeframe      string          `db:"timeframe" json:"timeframe"`
	Mode           string          `db:"mode" json:"mode"`
	StartTime      time.Time       `db:"start_time" json:"start_time"`
	EndTime        time.Time       `db:"end_time" json:"end_time"`
	InitialCapital float64         `db:"initial_capital" json:"initial_capital"`
	FinalEquity    float64         `db:"final_equity" json:"final_equity"`
	Halted         bool            `db:"halted" json:"halted"`
	Params         json.RawMessage `db:"params" json:"params,omitempty"`
	Metrics        json.RawMessage `db:"metrics" json:"metrics,omitempty"`
	Stats          json.RawMessage `db:"stats" json:"stats,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`

	Trades []TradeRecord  `db:"-" json:"-"`
	Equity []EquityRecord `db:"-" json:"-"`
}

type TradeRecord struct {
	RunID      string    `db:"run_id" json:"run_id"`
	Seq        int       `db:"seq" json:"seq"`
	Symbol     string    `db:"symbol" json:"symbol"`
	Side       string    `db:"side" json:"side"`
	EntryTime  time.Time `db:"entry_time" json:"entry_time"`
	ExitTime   time.Time `db:"exit_time" json:"exit_time"`
	EntryPrice float64   `db:"entry_price" json:"entry_price"`
	ExitPrice  float64   `db:"exit_price" json:"exit_price"`
	Quantity   float64   `db:"quantity" json:"quantity"`
	PnL        float64   `db:"pnl" json:"pnl"`
	ReturnPct  float64   `db:"return_pct" json:"return_pct"`
	Commission float64   `db:"commission" json:"commission"`
	Reason     string    `db:"reason" json:"reason"`
	MAE        float64   `db:"mae" json:"mae"`
	MFE        float64   `db:"mfe" json:"mfe"`
}

type EquityRecord struct {
	RunID         string    `db:"run_id" json:"run_id"`
	Seq           int       `db:"seq" json:"seq"`
	Time          time.Time `db:"ts" json:"time"`
	Cash          float64   `db:"cash" json:"cash"`
	PositionValue float64   `db:"position_value" json:"position_value"`
	Equity        float64   `db:"equity" json:"equity"`
}

// RunFilter narrows ListRuns. Zero values match everything; Limit 0 means 100.
type RunFilter struct {
	Symbol   string
	Strategy string
	Limit    int
	Offset   int
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}
