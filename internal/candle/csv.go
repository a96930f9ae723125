package candle

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

var timeColumns = []string{"timestamp", "time", "date", "datetime", "open_time"}

// LoadCSVFile opens path and parses it with LoadCSV.
func LoadCSVFile(path, symbol, timeframe string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles csv: %w", err)
	}
	defer f.Close()

	candles, err := LoadCSV(f, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return candles, nil
}

// LoadCSV reads OHLCV rows with a header line. A time column and close are
// required; open/high/low default to close and volume defaults to 0.
// The result is sorted by time with duplicate timestamps removed (first wins).
func LoadCSV(r io.Reader, symbol, timeframe string) ([]Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("candles csv is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	timeIdx := -1
	for _, name := range timeColumns {
		if idx, ok := cols[name]; ok {
			timeIdx = idx
			break
		}
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("missing time column (one of %s)", strings.Join(timeColumns, ", "))
	}
	closeIdx, ok := cols["close"]
	if !ok {
		return nil, errors.New("missing close column")
	}

	var out []Candle
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		field := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}
		if timeIdx >= len(rec) || closeIdx >= len(rec) {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, max(timeIdx, closeIdx)+1, len(rec))
		}

		ts, err := ParseTime(strings.TrimSpace(rec[timeIdx]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		closePrice, err := strconv.ParseFloat(strings.TrimSpace(rec[closeIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse close: %w", line, err)
		}

		c := Candle{
			Timestamp: ts,
			Open:      closePrice,
			High:      closePrice,
			Low:       closePrice,
			Close:     closePrice,
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    SourceCSV,
		}
		for name, dst := range map[string]*float64{"open": &c.Open, "high": &c.High, "low": &c.Low, "volume": &c.Volume} {
			raw := field(name)
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: parse %s: %w", line, name, err)
			}
			*dst = v
		}

		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	deduped := out[:0]
	for i, c := range out {
		if i > 0 && c.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, c)
	}

	return deduped, nil
}

// ParseTime accepts RFC3339, "2006-01-02 15:04:05", "2006-01-02", unix seconds
// and unix milliseconds. Results are UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Anything past year 5138 in seconds is taken as milliseconds
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %q", s)
}

// WriteCSV writes candles with the header LoadCSV reads back.
func WriteCSV(w io.Writer, candles []Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range candles {
		row := []string{
			c.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
