package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
backtest:
  symbols: ["BTC-USDT", "ETH-USDT"]
  timeframe: "4h"
  from: "2024-01-01"
  to: "2024-03-01"
  mode: "vector"
  concurrency: 2
  vector_cost: 0.0005
  engine:
    initial_capital: 5000
    commission: 0.002
risk:
  stop_loss_pct: 0.03
strategy:
  short_window: 5
  long_window: 30
redis:
  addr: "cache:6379"
  ttl: "15m"
exchange:
  timeout: "10s"
  retry:
    max_attempts: 2
log:
  level: "debug"
  format: "json"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML)

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, cfg.Backtest.Symbols)
	assert.Equal(t, "4h", cfg.Backtest.Timeframe)
	assert.Equal(t, backtest.ModeVector, cfg.Backtest.Mode)
	assert.Equal(t, 5000.0, cfg.Backtest.Engine.InitialCapital)
	assert.Equal(t, 0.002, cfg.Backtest.Engine.Commission)
	assert.Equal(t, 0.03, cfg.Risk.StopLossPct)
	assert.Equal(t, 5, cfg.Strategy.ShortWindow)
	assert.Equal(t, 15*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, 10*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, 2, cfg.Exchange.Retry.MaxAttempts)

	// untouched keys keep their defaults
	def := Default()
	assert.Equal(t, def.Risk.MaxPositionSize, cfg.Risk.MaxPositionSize)
	assert.Equal(t, def.Strategy.Name, cfg.Strategy.Name)
	assert.Equal(t, def.Database.Pool, cfg.Database.Pool)
	assert.Equal(t, "binance", cfg.Backtest.Source)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML)
	envFile := writeFile(t, dir, ".env", "WALLEX_API_KEY=from-dotenv\nREDIS_ADDR=dotenv:6379\n")

	t.Setenv("DB_CONN_STR", "postgres://u:p@db:5432/bt?sslmode=disable")
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("WALLEX_API_KEY", "")
	os.Unsetenv("WALLEX_API_KEY")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/bt?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, "env:6379", cfg.Redis.Addr, "process env wins over .env")
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "from-dotenv", cfg.Exchange.APIKey)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "backtest: [unclosed")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no symbols", func(c *Config) { c.Backtest.Symbols = nil }, "symbols is empty"},
		{"top symbols instead", func(c *Config) { c.Backtest.Symbols = nil; c.Backtest.TopSymbols = 5 }, ""},
		{"bad timeframe", func(c *Config) { c.Backtest.Timeframe = "7m" }, "backtest.timeframe"},
		{"bad base timeframe", func(c *Config) { c.Backtest.BaseTimeframe = "2h" }, "backtest.base_timeframe"},
		{"bad date", func(c *Config) { c.Backtest.From = "01/02/2024" }, "invalid from date"},
		{"reversed range", func(c *Config) { c.Backtest.From, c.Backtest.To = "2024-02-01", "2024-01-01" }, "must be before"},
		{"csv skips dates", func(c *Config) { c.Data.CSVPath = "x.csv"; c.Backtest.From = "" }, ""},
		{"bad mode", func(c *Config) { c.Backtest.Mode = "live" }, "backtest.mode"},
		{"zero concurrency", func(c *Config) { c.Backtest.Concurrency = 0 }, "concurrency"},
		{"negative cost", func(c *Config) { c.Backtest.VectorCost = -1 }, "vector_cost"},
		{"bad engine", func(c *Config) { c.Backtest.Engine.InitialCapital = 0 }, "initial"},
		{"bad risk", func(c *Config) { c.Risk.MaxPositionSize = 2 }, "max_position_size"},
		{"bad strategy", func(c *Config) { c.Strategy.Name = "nope" }, "unknown strategy"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequests(t *testing.T) {
	cfg := Default()
	cfg.Backtest.From, cfg.Backtest.To = "2024-01-01", "2024-02-01"
	cfg.Backtest.VectorCost = 0.001

	reqs, err := cfg.Requests([]string{"BTC-USDT", " ", " ETH-USDT "})
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, "ETH-USDT", reqs[1].Symbol)
	assert.True(t, reqs[0].From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, reqs[0].To.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, cfg.Strategy, reqs[0].Strategy)
	assert.Equal(t, cfg.Risk, reqs[0].Risk)
	assert.Equal(t, 0.001, reqs[0].VectorCost)

	cfg.Backtest.To = "soon"
	_, err = cfg.Requests([]string{"BTC-USDT"})
	assert.Error(t, err)
}
