package models

import "time"

// MTick is a single normalized quote update for one instrument.
type MTick struct {
	InstrumentID  string       `json:"instrument_id"`
	Token         uint32       `json:"instrument_token"`
	Price         float64      `json:"price"`
	Change        float64      `json:"change"`
	ChangePercent float64      `json:"change_percent"`
	High          float64      `json:"high"`
	Low           float64      `json:"low"`
	Open          float64      `json:"open"`
	PrevClose     float64      `json:"prev_close"`
	Volume        int64        `json:"volume"`
	OpenInterest  int64        `json:"open_interest"`
	SessionPhase  SessionPhase `json:"session_phase"`
	ObservedAt    time.Time    `json:"observed_at"`
}
