package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	minSendBuffer  = 16
)

// -----------------------------------------------------------------------------
// Subscriber Structure
// -----------------------------------------------------------------------------

type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	conn interfaces.ISubscriberConn
	send chan interface{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	lastSentAt   atomic.Int64
	lastClientAt atomic.Int64
}

// -----------------------------------------------------------------------------

func newSubscriber(conn interfaces.ISubscriberConn, buffer int, now time.Time) *Subscriber {
	if buffer < minSendBuffer {
		buffer = minSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: now,
		conn:        conn,
		send:        make(chan interface{}, buffer),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.lastClientAt.Store(now.UnixNano())
	return s
}

// -----------------------------------------------------------------------------

// LastSentAt is the time of the last successful write, zero before any.
func (s *Subscriber) LastSentAt() time.Time {
	ns := s.lastSentAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Subscriber) touch(now time.Time) {
	s.lastClientAt.Store(now.UnixNano())
}

// queue adds a direct reply without blocking; it is dropped when the buffer
// is full or the subscriber is gone.
func (s *Subscriber) queue(msg interface{}) {
	select {
	case <-s.ctx.Done():
	case s.send <- msg:
	default:
	}
}

// stop cancels the write loop, which carries the heartbeat and closes the
// connection on exit.
func (s *Subscriber) stop() {
	s.once.Do(func() {
		s.cancel()
	})
}

// -----------------------------------------------------------------------------
// writePump - the only goroutine writing to the connection. It drains the send
// queue and emits heartbeat and idle keepalive messages on its own timers.
// -----------------------------------------------------------------------------

func (s *Subscriber) writePump(h *Hub) {
	heartbeat := time.NewTicker(positive(h.heartbeatInterval, 25*time.Second))
	idleTimeout := positive(h.idleTimeout, 60*time.Second)
	idleCheck := time.NewTicker(idleTimeout / 2)
	defer func() {
		heartbeat.Stop()
		idleCheck.Stop()
		s.conn.Close()
	}()

	var lastKeepalive time.Time
	for {
		var msg interface{}
		select {
		case <-s.ctx.Done():
			return
		case msg = <-s.send:
		case <-heartbeat.C:
			msg = h.heartbeatMessage()
		case <-idleCheck.C:
			now := h.now()
			idleSince := time.Unix(0, s.lastClientAt.Load())
			if now.Sub(idleSince) < idleTimeout || now.Sub(lastKeepalive) < idleTimeout {
				continue
			}
			lastKeepalive = now
			msg = models.MControlMessage{Type: models.MsgKeepalive, Timestamp: now.UnixMilli()}
		}

		if err := s.conn.WriteJSON(msg); err != nil {
			h.Logger.Info("%v", helpers.NewSubscriberError("write to "+s.ID, err))
			h.Unregister(s)
			return
		}
		s.lastSentAt.Store(h.now().UnixNano())
	}
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// -----------------------------------------------------------------------------
// Websocket transport
// -----------------------------------------------------------------------------

// wsConn bounds every write with a deadline.
type wsConn struct {
	*websocket.Conn
}

func (c wsConn) WriteJSON(v interface{}) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// -----------------------------------------------------------------------------
// readPump - handles incoming messages from client
// Act as a Watchdog for the connection
// -----------------------------------------------------------------------------

func readPump(h *Hub, sub *Subscriber, conn *websocket.Conn) {
	defer func() {
		h.Unregister(sub)
		h.Logger.Info("Subscriber %s disconnected", sub.ID)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Protocol-level pings keep intermediaries from dropping idle sockets
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sub.ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.Logger.Info("WebSocket error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg models.MControlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.Logger.Debug("Ignoring malformed message from %s: %v", sub.ID, err)
			sub.touch(h.now())
			continue
		}
		h.HandleClientMessage(sub, msg)
	}
}
