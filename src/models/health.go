package models

import "time"

// MFeedHealth is a point-in-time view of the feed watchdog.
type MFeedHealth struct {
	State              FeedState `json:"state"`
	IsHealthy          bool      `json:"is_healthy"`
	IsStale            bool      `json:"is_stale"`
	ConnectionQuality  int       `json:"connection_quality"`
	LastTickSecondsAgo *float64  `json:"last_tick_seconds_ago"`
	ReconnectAttempts  int       `json:"reconnect_attempts"`
	ReconnectsToday    int       `json:"reconnects_today"`
	LastStallSeconds   float64   `json:"last_stall_seconds"`
	Terminal           bool      `json:"terminal"`
	AuthSuspended      bool      `json:"auth_suspended"`
	LastError          string    `json:"last_error,omitempty"`
	StateChangedAt     time.Time `json:"state_changed_at"`
}
