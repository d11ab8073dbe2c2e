package models

// -----------------------------------------------------------------------------
// Session Phase
// -----------------------------------------------------------------------------

type SessionPhase string

const (
	PhasePreOpen       SessionPhase = "pre_open"
	PhaseAuctionFreeze SessionPhase = "auction_freeze"
	PhaseLive          SessionPhase = "live"
	PhaseClosed        SessionPhase = "closed"
)

// -----------------------------------------------------------------------------
// Feed State
// -----------------------------------------------------------------------------

type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedStale        FeedState = "stale"
	FeedError        FeedState = "error"
)

// -----------------------------------------------------------------------------
// Credential State
// -----------------------------------------------------------------------------

type CredentialState string

const (
	CredentialValid    CredentialState = "valid"
	CredentialExpired  CredentialState = "expired"
	CredentialRequired CredentialState = "required"
)
