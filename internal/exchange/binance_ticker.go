package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DefaultExcludedBases are skipped by TopSymbols unless the caller overrides them.
var DefaultExcludedBases = []string{"BTC", "ETH", "FDUSD", "USDC"}

type tickerInfo struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
}

type rankedSymbol struct {
	symbol string
	volume decimal.Decimal
}

// TopSymbols returns the n most traded USDT pairs over the last 24h as
// "BASE-USDT", skipping pairs whose symbol starts with an excluded base.
func (b *BinanceExchange) TopSymbols(ctx context.Context, n int, excluded []string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	apiURL := b.baseURL + "/api/v3/ticker/24hr"
	var body []byte
	err := withRetry(ctx, b.retry, "binance ticker", func(int) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return permanent(err)
		}
		res, err := b.breaker.Execute(func() (interface{}, error) {
			return b.get(ctx, apiURL)
		})
		if err != nil {
			return classify(err)
		}
		body = res.([]byte)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tickers: %w", err)
	}

	var tickers []tickerInfo
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}

	ranked := rankUSDTPairs(tickers, excluded)
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for _, r := range ranked[:n] {
		out = append(out, strings.TrimSuffix(r.symbol, "USDT")+"-USDT")
	}

	log.Info().Int("count", len(out)).Msg("BinanceExchange.TopSymbols | fetched")
	return out, nil
}

func rankUSDTPairs(tickers []tickerInfo, excluded []string) []rankedSymbol {
	var ranked []rankedSymbol
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, "USDT") || len(t.Symbol) <= len("USDT") {
			continue
		}
		skip := false
		for _, ex := range excluded {
			if strings.HasPrefix(t.Symbol, ex) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		vol, err := decimal.NewFromString(t.QuoteVolume)
		if err != nil {
			continue
		}
		ranked = append(ranked, rankedSymbol{symbol: t.Symbol, volume: vol})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].volume.GreaterThan(ranked[j].volume)
	})
	return ranked
}
