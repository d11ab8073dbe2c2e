package models

import "time"

// MCandle is the OHLCV(+OI) aggregate of one instrument over one bucket.
type MCandle struct {
	InstrumentID string    `json:"instrument_id"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	BucketStart  time.Time `json:"bucket_start"`
}

// -----------------------------------------------------------------------------

// MCandleBackup is the durable record of one instrument's candle sequence,
// one per (symbol, trading day).
type MCandleBackup struct {
	Symbol          string    `json:"symbol"`
	BackupDate      string    `json:"backup_date"` // YYYY-MM-DD in exchange time
	BackupTimestamp time.Time `json:"backup_timestamp"`
	CandleCount     int       `json:"candle_count"`
	FirstCandle     *MCandle  `json:"first_candle"`
	LastCandle      *MCandle  `json:"last_candle"`
	Candles         []MCandle `json:"candles"`
}

// Valid reports whether the declared count matches the candle list.
func (b *MCandleBackup) Valid() bool {
	return b != nil && b.CandleCount == len(b.Candles)
}

// -----------------------------------------------------------------------------

// MCandleSummary describes a candle sequence as a whole.
type MCandleSummary struct {
	Count                  int     `json:"count"`
	Open                   float64 `json:"open"`
	High                   float64 `json:"high"`
	Low                    float64 `json:"low"`
	Close                  float64 `json:"close"`
	Volume                 int64   `json:"volume"`
	ChangePercent          float64 `json:"change_percent"`
	MeanClose              float64 `json:"mean_close"`
	StdClose               float64 `json:"std_close"`
	CloseZScore            float64 `json:"close_z_score"`
	VolumeAnomaly          float64 `json:"volume_anomaly"`
	PriceVolumeCorrelation float64 `json:"price_volume_correlation"`
}
