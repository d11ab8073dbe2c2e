package core

import "math"

// -----------------------------------------------------------------------------

// RollUp folds per-bucket OHLCV columns into one range. Columns must have the
// same length; empty input yields zeros.
func RollUp(opens, highs, lows, closes []float64, volumes []int64) (open, high, low, closePrice float64, volume int64) {
	if len(closes) == 0 {
		return 0, 0, 0, 0, 0
	}

	open = opens[0]
	closePrice = closes[len(closes)-1]
	high = -math.MaxFloat64
	low = math.MaxFloat64
	for i := range closes {
		high = math.Max(high, highs[i])
		low = math.Min(low, lows[i])
		volume += volumes[i]
	}
	return open, high, low, closePrice, volume
}

// -----------------------------------------------------------------------------

// ChangePercent is the percentage move from previous to current, 0 when
// previous is 0.
func ChangePercent(current, previous float64) float64 {
	if previous == 0 {
		return 0.0
	}
	return (current - previous) / previous * 100
}

// -----------------------------------------------------------------------------

// AnomalyRatio compares a volume to its average. With no average, a zero
// volume is normal (1) and anything else is reported as-is.
func AnomalyRatio(current, average float64) float64 {
	if average <= 0 {
		if current == 0 {
			return 1.0
		}
		return current
	}
	return current / average
}
