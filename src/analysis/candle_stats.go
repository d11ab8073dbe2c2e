package analysis

import (
	"market-streamer/src/analysis/core"
	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------

// Summarize describes a candle sequence ordered oldest first. The volume
// anomaly compares the newest candle against the mean of the ones before it.
func Summarize(candles []models.MCandle) models.MCandleSummary {
	n := len(candles)
	if n == 0 {
		return models.MCandleSummary{}
	}

	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]int64, n)
	volumeF := make([]float64, n)
	for i, c := range candles {
		opens[i], highs[i], lows[i], closes[i] = c.Open, c.High, c.Low, c.Close
		volumes[i] = c.Volume
		volumeF[i] = float64(c.Volume)
	}

	s := models.MCandleSummary{Count: n}
	s.Open, s.High, s.Low, s.Close, s.Volume = core.RollUp(opens, highs, lows, closes, volumes)
	s.ChangePercent = core.ChangePercent(s.Close, s.Open)
	s.MeanClose, s.StdClose = core.MeanStd(closes)
	s.CloseZScore = core.ZScore(s.Close, s.MeanClose, s.StdClose)
	s.PriceVolumeCorrelation = core.Correlation(closes, volumeF)

	prior, _ := core.MeanStd(volumeF[:n-1])
	s.VolumeAnomaly = core.AnomalyRatio(volumeF[n-1], prior)
	return s
}
