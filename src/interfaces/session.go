package interfaces

import (
	"time"

	"market-streamer/src/models"
)

// ISessionClock answers exchange-session questions for a given instant.
type ISessionClock interface {
	Phase(now time.Time) models.SessionPhase
	SecondsUntilNextPhase(now time.Time) int64
}

// -----------------------------------------------------------------------------

// IHealthProvider exposes the feed watchdog's current view.
type IHealthProvider interface {
	Health(now time.Time) models.MFeedHealth
}

// -----------------------------------------------------------------------------

// ICredentialProvider exposes the credential tracker's state.
type ICredentialProvider interface {
	State() models.CredentialState
	IsUsable() bool
}
