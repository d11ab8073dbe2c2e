package interfaces

import (
	"context"
	"time"

	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// IFeedObserver receives Feed Connector events. The connector knows nothing
// about who consumes them.
// -----------------------------------------------------------------------------

type IFeedObserver interface {
	// OnConnect fires after the handshake and subscription succeeded.
	OnConnect()

	// OnTicks delivers one normalized batch, in upstream arrival order.
	OnTicks(ticks []models.MTick)

	// OnDisconnect fires once per session teardown that the caller did not ask for.
	OnDisconnect(err error)

	// OnError reports a failure that did not necessarily end the session.
	OnError(err error)
}

// -----------------------------------------------------------------------------
// IFeedConnector owns one upstream streaming session.
// -----------------------------------------------------------------------------

type IFeedConnector interface {
	// Connect blocks until the handshake succeeds or fails.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Idempotent.
	Disconnect() error

	// ForceReconnect tears down and connects again immediately.
	ForceReconnect(ctx context.Context) error

	// IsConnected returns current connection state.
	IsConnected() bool

	// LastTickAt is the receive time of the newest mapped tick.
	LastTickAt() time.Time

	// SetCredential swaps the access token used by the next handshake.
	SetCredential(accessToken string)

	// AddObserver registers an event consumer.
	AddObserver(o IFeedObserver)
}

// -----------------------------------------------------------------------------
// IReconnector is the slice of the connector the watchdog drives.
// -----------------------------------------------------------------------------

type IReconnector interface {
	ForceReconnect(ctx context.Context) error
}
