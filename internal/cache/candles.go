// Package cache keeps recently loaded candle ranges in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by Get when the range is not cached.
var ErrCacheMiss = errors.New("cache miss")

const DefaultTTL = time.Hour

const scanCount = 100

type Options struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

type CandleCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, opts Options) (*CandleCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(rdb, opts.TTL, opts.Prefix), nil
}

// New wraps an existing client. A zero ttl means DefaultTTL.
func New(client *redis.Client, ttl time.Duration, prefix string) *CandleCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "backtester:"
	}
	return &CandleCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *CandleCache) Close() error { return c.client.Close() }

// Key names the cached range [from, to) of one series from one source.
func (c *CandleCache) Key(source, symbol, timeframe string, from, to time.Time) string {
	return fmt.Sprintf("%scandles:%s:%s:%s:%d:%d", c.prefix, source, strings.ToUpper(symbol), timeframe, from.Unix(), to.Unix())
}

func (c *CandleCache) Get(ctx context.Context, source, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	val, err := c.client.Get(ctx, c.Key(source, symbol, timeframe, from, to)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var candles []candle.Candle
	if err := json.Unmarshal(val, &candles); err != nil {
		return nil, fmt.Errorf("decoding cached candles: %w", err)
	}
	return candles, nil
}

func (c *CandleCache) Set(ctx context.Context, source, symbol, timeframe string, from, to time.Time, candles []candle.Candle) error {
	payload, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("encoding candles: %w", err)
	}
	if err := c.client.Set(ctx, c.Key(source, symbol, timeframe, from, to), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate drops every cached range of one series. An empty source
// matches all sources.
func (c *CandleCache) Invalidate(ctx context.Context, source, symbol, timeframe string) error {
	if source == "" {
		source = "*"
	}
	pattern := fmt.Sprintf("%scandles:%s:%s:%s:*", c.prefix, source, strings.ToUpper(symbol), timeframe)

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis delete: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
