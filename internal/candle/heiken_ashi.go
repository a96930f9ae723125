package candle

const SourceHeikenAshi = "heiken-ashi"

// HeikenAshi smooths sorted candles into Heiken Ashi bars. Volume, time and
// identity fields are carried over.
func HeikenAshi(candles []Candle) []Candle {
	if len(candles) == 0 {
		return nil
	}
	out := make([]Candle, len(candles))
	var prev *Candle
	for i, c := range candles {
		out[i] = NextHeikenAshi(prev, c)
		prev = &out[i]
	}
	return out
}

// NextHeikenAshi derives the bar following prev, or the first bar when prev is nil.
func NextHeikenAshi(prev *Candle, raw Candle) Candle {
	ha := raw
	ha.Close = (raw.Open + raw.High + raw.Low + raw.Close) / 4
	if prev == nil {
		ha.Open = (raw.Open + raw.Close) / 2
	} else {
		ha.Open = (prev.Open + prev.Close) / 2
	}
	ha.High = max(raw.High, ha.Open, ha.Close)
	ha.Low = min(raw.Low, ha.Open, ha.Close)
	ha.Source = SourceHeikenAshi
	return ha
}
