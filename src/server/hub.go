package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// ErrHubStopped is returned by Register once the hub loop has exited.
var ErrHubStopped = errors.New("hub stopped")

// SnapshotSource supplies the latest tick per instrument for new subscribers.
type SnapshotSource interface {
	SnapshotAll() map[string]*models.MTick
}

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// The run loop is the only writer of the subscriber map, so registration,
// removal and broadcast never interleave.
// -----------------------------------------------------------------------------

type Hub struct {
	Config      *models.MHubConfig
	Store       SnapshotSource
	Health      interfaces.IHealthProvider
	Clock       interfaces.ISessionClock
	Credentials interfaces.ICredentialProvider
	Logger      *logger.Logger

	// OnCountChange, when set, is called from the run loop after every
	// registration change.
	OnCountChange func(n int)

	subscribers map[*Subscriber]struct{}
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan interface{}
	done        chan struct{}
	count       atomic.Int64

	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	now               func() time.Time
}

// -----------------------------------------------------------------------------

func NewHub(cfg *models.MHubConfig, store SnapshotSource, health interfaces.IHealthProvider, clock interfaces.ISessionClock, creds interfaces.ICredentialProvider, log *logger.Logger) *Hub {
	return &Hub{
		Config:            cfg,
		Store:             store,
		Health:            health,
		Clock:             clock,
		Credentials:       creds,
		Logger:            log,
		subscribers:       make(map[*Subscriber]struct{}),
		register:          make(chan *Subscriber),
		unregister:        make(chan *Subscriber),
		broadcast:         make(chan interface{}, 1024),
		done:              make(chan struct{}),
		heartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		idleTimeout:       time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		now:               time.Now,
	}
}

// -----------------------------------------------------------------------------

// Run is the hub loop. On exit every subscriber is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	h.Logger.Info("Broadcast hub started")

	for {
		select {
		case <-ctx.Done():
			for sub := range h.subscribers {
				h.removeLocked(sub, "hub stopping")
			}
			h.Logger.Info("Broadcast hub stopped")
			return nil

		case sub := <-h.register:
			h.subscribers[sub] = struct{}{}
			h.setCount()
			// Built inside the loop so no broadcast slips between the
			// snapshot and the registration
			h.deliver(sub, h.snapshotMessage())
			h.deliver(sub, h.statusMessage())
			h.Logger.Info("Subscriber %s registered (%d connected)", sub.ID, len(h.subscribers))

		case sub := <-h.unregister:
			h.removeLocked(sub, "unregistered")

		case msg := <-h.broadcast:
			for sub := range h.subscribers {
				h.deliver(sub, msg)
			}
		}
	}
}

// -----------------------------------------------------------------------------

// deliver queues msg without blocking. A full buffer removes the subscriber.
func (h *Hub) deliver(sub *Subscriber, msg interface{}) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	select {
	case sub.send <- msg:
	default:
		h.Logger.Warning("%v", helpers.NewSubscriberError("subscriber "+sub.ID, errors.New("send buffer full")))
		h.removeLocked(sub, "send buffer full")
	}
}

// -----------------------------------------------------------------------------

func (h *Hub) removeLocked(sub *Subscriber, reason string) {
	sub.stop()
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	h.setCount()
	h.Logger.Info("Subscriber %s removed: %s (%d connected)", sub.ID, reason, len(h.subscribers))
}

func (h *Hub) setCount() {
	n := len(h.subscribers)
	h.count.Store(int64(n))
	if h.OnCountChange != nil {
		h.OnCountChange(n)
	}
}

// -----------------------------------------------------------------------------
// Public API
// -----------------------------------------------------------------------------

// Register adds conn, queues its snapshot and status messages and starts its
// write loop, which also carries the heartbeat.
func (h *Hub) Register(conn interfaces.ISubscriberConn) (*Subscriber, error) {
	sub := newSubscriber(conn, h.Config.SendBuffer, h.now())

	select {
	case h.register <- sub:
	case <-h.done:
		return nil, ErrHubStopped
	}

	go sub.writePump(h)
	return sub, nil
}

// -----------------------------------------------------------------------------

// Unregister removes sub and cancels its heartbeat. Safe to call repeatedly.
func (h *Hub) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}
	sub.stop()
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// -----------------------------------------------------------------------------

func (h *Hub) BroadcastTick(tick models.MTick) {
	h.publish(models.MTickMessage{Type: models.MsgTick, Data: tick})
}

// BroadcastStatus pushes a connection_status message to every subscriber.
func (h *Hub) BroadcastStatus() {
	h.publish(h.statusMessage())
}

func (h *Hub) publish(msg interface{}) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// -----------------------------------------------------------------------------

// Count is the number of registered subscribers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

// HandleClientMessage answers ping with pong. Any inbound message counts as
// client activity for the idle keepalive.
func (h *Hub) HandleClientMessage(sub *Subscriber, msg models.MControlMessage) {
	sub.touch(h.now())
	if msg.Type != models.MsgPing {
		return
	}
	sub.queue(models.MControlMessage{Type: models.MsgPong, Timestamp: h.now().UnixMilli()})
}

// -----------------------------------------------------------------------------
// Message builders
// -----------------------------------------------------------------------------

func (h *Hub) marketStatus() models.SessionPhase {
	if h.Clock == nil {
		return models.PhaseClosed
	}
	return h.Clock.Phase(h.now())
}

func (h *Hub) feedHealth() models.MFeedHealth {
	if h.Health == nil {
		return models.MFeedHealth{State: models.FeedDisconnected}
	}
	return h.Health.Health(h.now())
}

func (h *Hub) snapshotMessage() models.MSnapshotMessage {
	data := map[string]*models.MTick{}
	if h.Store != nil {
		data = h.Store.SnapshotAll()
	}
	return models.MSnapshotMessage{
		Type:         models.MsgSnapshot,
		Data:         data,
		MarketStatus: h.marketStatus(),
	}
}

func (h *Hub) statusMessage() models.MConnectionStatusMessage {
	auth := models.CredentialRequired
	if h.Credentials != nil {
		auth = h.Credentials.State()
	}
	return models.MConnectionStatusMessage{
		Type:             models.MsgConnectionStatus,
		ConnectionHealth: h.feedHealth(),
		AuthState:        auth,
		MarketStatus:     h.marketStatus(),
	}
}

func (h *Hub) heartbeatMessage() models.MHeartbeatMessage {
	return models.MHeartbeatMessage{
		Type:             models.MsgHeartbeat,
		Connections:      h.Count(),
		MarketStatus:     h.marketStatus(),
		ConnectionHealth: h.feedHealth(),
		Timestamp:        h.now().UnixMilli(),
	}
}
