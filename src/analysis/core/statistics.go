package core

import "math"

// -----------------------------------------------------------------------------

// MeanStd returns the mean and population standard deviation. A single value
// has zero deviation.
func MeanStd(data []float64) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))
	if len(data) == 1 {
		return mean, 0
	}

	varianceSum := 0.0
	for _, v := range data {
		varianceSum += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(varianceSum / float64(len(data)))
}

// -----------------------------------------------------------------------------

// Correlation is the Pearson coefficient of x and y. Mismatched lengths,
// fewer than two points or a constant series give 0.
func Correlation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}

	meanX, stdX := MeanStd(x)
	meanY, stdY := MeanStd(y)
	if stdX == 0 || stdY == 0 {
		return 0
	}

	cov := 0.0
	for i := range x {
		cov += (x[i] - meanX) * (y[i] - meanY)
	}
	cov /= float64(len(x))

	r := cov / (stdX * stdY)
	if math.IsNaN(r) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}

// -----------------------------------------------------------------------------

// ZScore is the standard score of value, 0 when std is 0.
func ZScore(value, mean, std float64) float64 {
	if std == 0 {
		return 0.0
	}
	return (value - mean) / std
}
