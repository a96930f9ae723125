package main

import (
	"github.com/spf13/cobra"
)

// Flags override the loaded config only when the user set them.

func overrideString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func overrideStrings(cmd *cobra.Command, name string, dst *[]string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetStringSlice(name)
	}
}

func overrideInt(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}

func overrideFloat(cmd *cobra.Command, name string, dst *float64) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetFloat64(name)
	}
}

func overrideBool(cmd *cobra.Command, name string, dst *bool) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetBool(name)
	}
}

// addDataFlags registers the flags shared by backtest and download.
func addDataFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceP("symbols", "s", nil, "comma separated symbols, e.g. BTC-USDT,ETH-USDT")
	f.Int("top", 0, "use the N most traded USDT pairs on Binance instead of --symbols")
	f.StringP("timeframe", "t", "1h", "candle timeframe (1m, 5m, 15m, 30m, 1h, 4h, 1d)")
	f.String("base-timeframe", "", "load this smaller timeframe and aggregate up to --timeframe")
	f.String("from", "", "start date (2006-01-02), inclusive")
	f.String("to", "", "end date (2006-01-02), exclusive")
	f.String("source", "binance", "candle source (binance, wallex)")
	f.String("proxy", "", "HTTP proxy for exchange requests")
	f.Int("concurrency", 4, "symbols processed in parallel")
}

func applyDataFlags(cmd *cobra.Command) {
	overrideStrings(cmd, "symbols", &cfg.Backtest.Symbols)
	overrideInt(cmd, "top", &cfg.Backtest.TopSymbols)
	overrideString(cmd, "timeframe", &cfg.Backtest.Timeframe)
	overrideString(cmd, "base-timeframe", &cfg.Backtest.BaseTimeframe)
	overrideString(cmd, "from", &cfg.Backtest.From)
	overrideString(cmd, "to", &cfg.Backtest.To)
	overrideString(cmd, "source", &cfg.Backtest.Source)
	overrideString(cmd, "proxy", &cfg.Exchange.ProxyURL)
	overrideInt(cmd, "concurrency", &cfg.Backtest.Concurrency)
}
