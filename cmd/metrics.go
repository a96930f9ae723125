package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/amirphl/simple-backtester/internal/riskmetrics"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Compute risk metrics over a returns or equity column of a CSV file",
	Example: `  backtester metrics --csv reports/run_equity.csv --column equity --timeframe 1h
  backtester metrics --csv returns.csv --periods-per-year 252`,
	RunE: runMetricsCmd,
}

func init() {
	f := metricsCmd.Flags()
	f.String("csv", "", "CSV file with a header row")
	f.String("column", "", "column to read; defaults to returns, then equity")
	f.String("timeframe", "", "bar timeframe used to annualize")
	f.Float64("periods-per-year", 0, "annualization factor, overrides --timeframe")
	f.Float64("risk-free-rate", riskmetrics.DefaultRiskFreeRate, "annual risk free rate")
	f.Bool("json", false, "print JSON instead of a table")
	_ = metricsCmd.MarkFlagRequired("csv")
}

func runMetricsCmd(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("csv")
	column, _ := cmd.Flags().GetString("column")
	timeframe, _ := cmd.Flags().GetString("timeframe")
	ppy, _ := cmd.Flags().GetFloat64("periods-per-year")
	rf, _ := cmd.Flags().GetFloat64("risk-free-rate")
	asJSON, _ := cmd.Flags().GetBool("json")

	opts := riskmetrics.Options{RiskFreeRate: rf, PeriodsPerYear: ppy}
	if ppy <= 0 && timeframe != "" {
		if !tfutils.IsValidTimeframe(timeframe) {
			return fmt.Errorf("%w: %q", tfutils.ErrUnsupportedTimeframe, timeframe)
		}
		opts.PeriodsPerYear = tfutils.PeriodsPerYear(timeframe)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	name, values, err := readColumn(f, column)
	if err != nil {
		return err
	}
	returns := values
	if name == "equity" {
		returns = riskmetrics.Returns(values)
	}

	m, err := riskmetrics.Compute(returns, opts)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	printMetrics(cmd.OutOrStdout(), m)
	return nil
}

// readColumn reads one numeric column. An empty name picks "returns" and then
// "equity". Blank or unparsable cells are skipped.
func readColumn(r io.Reader, name string) (string, []float64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read header: %w", err)
	}

	idx := -1
	candidates := []string{name}
	if name == "" {
		candidates = []string{"returns", "return", "equity"}
	}
	for _, want := range candidates {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				idx, name = i, strings.ToLower(want)
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		return "", nil, fmt.Errorf("column %q not found in header %v", strings.Join(candidates, "|"), header)
	}
	if name == "return" {
		name = "returns"
	}

	var values []float64
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to read row: %w", err)
		}
		if idx >= len(rec) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx]), 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return name, values, nil
}

func printMetrics(w io.Writer, m riskmetrics.Metrics) {
	flat := m.Map()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-22s %.6f\n", k, flat[k])
	}
}
