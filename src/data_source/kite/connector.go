package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// ErrOutsideConnectWindow is returned by Connect before trading is imminent.
var ErrOutsideConnectWindow = errors.New("outside connect window")

// ConnectWindow reports whether an upstream session may be opened at now.
type ConnectWindow interface {
	InConnectWindow(now time.Time) bool
}

// -----------------------------------------------------------------------------

// session is one upstream websocket lifetime. closing is set before an
// intentional teardown so the read loop exits without reporting a disconnect.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	closing atomic.Bool
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// -----------------------------------------------------------------------------

// KiteConnector owns one upstream ticker session for a fixed instrument set.
type KiteConnector struct {
	Config      *models.MFeedConfig
	Clock       interfaces.ISessionClock
	Window      ConnectWindow
	Logger      *logger.Logger
	Dialer      *websocket.Dialer
	instruments map[uint32]string
	tokens      []uint32

	connectMu   sync.Mutex // serializes Connect / Disconnect / ForceReconnect
	mu          sync.RWMutex
	current     *session
	accessToken string

	lastTickAt atomic.Int64

	observersMu sync.RWMutex
	observers   []interfaces.IFeedObserver

	now func() time.Time
}

// -----------------------------------------------------------------------------

func NewKiteConnector(cfg *models.MFeedConfig, clock interfaces.ISessionClock, window ConnectWindow, log *logger.Logger) *KiteConnector {
	instruments := make(map[uint32]string, len(cfg.Instruments))
	tokens := make([]uint32, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		instruments[inst.Token] = inst.Symbol
		tokens = append(tokens, inst.Token)
	}

	return &KiteConnector{
		Config: cfg,
		Clock:  clock,
		Window: window,
		Logger: log,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
		},
		instruments: instruments,
		tokens:      tokens,
		accessToken: cfg.AccessToken,
		now:         time.Now,
	}
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) AddObserver(o interfaces.IFeedObserver) {
	k.observersMu.Lock()
	defer k.observersMu.Unlock()
	k.observers = append(k.observers, o)
}

// -----------------------------------------------------------------------------

// SetCredential swaps the token used by the next handshake. The running
// session, if any, is left alone.
func (k *KiteConnector) SetCredential(accessToken string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = accessToken
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) IsConnected() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current != nil
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) LastTickAt() time.Time {
	ns := k.lastTickAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// -----------------------------------------------------------------------------

// Connect dials, waits for the settle delay and subscribes. It is a no-op when
// a session is already up.
func (k *KiteConnector) Connect(ctx context.Context) error {
	k.connectMu.Lock()
	defer k.connectMu.Unlock()
	return k.connectLocked(ctx)
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) Disconnect() error {
	k.connectMu.Lock()
	defer k.connectMu.Unlock()
	k.teardownLocked()
	return nil
}

// -----------------------------------------------------------------------------

// ForceReconnect tears down the current session and connects again without
// waiting on any backoff.
func (k *KiteConnector) ForceReconnect(ctx context.Context) error {
	k.connectMu.Lock()
	defer k.connectMu.Unlock()
	k.teardownLocked()
	return k.connectLocked(ctx)
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) connectLocked(ctx context.Context) error {
	if k.IsConnected() {
		return nil
	}
	if k.Window != nil && !k.Window.InConnectWindow(k.now()) {
		return ErrOutsideConnectWindow
	}

	k.mu.RLock()
	token := k.accessToken
	k.mu.RUnlock()
	if token == "" {
		return helpers.NewAuthError("no access token installed", nil)
	}

	endpoint, err := k.endpoint(token)
	if err != nil {
		return err
	}

	dialCtx := ctx
	if k.Dialer.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, k.Dialer.HandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := k.Dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return classifyDialError(resp, err)
	}

	sess := &session{conn: conn, done: make(chan struct{})}

	// Subscribing right after the handshake is dropped by the upstream at times
	if delay := time.Duration(k.Config.SubscribeDelayMs) * time.Millisecond; delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		}
	}

	if err := k.subscribe(sess); err != nil {
		conn.Close()
		return helpers.NewTransportError("subscribe", err)
	}

	k.mu.Lock()
	k.current = sess
	k.mu.Unlock()

	go k.readLoop(sess)

	k.Logger.Info("Connected, subscribed %d instruments in %s mode", len(k.tokens), k.Config.Mode)
	for _, o := range k.snapshotObservers() {
		o.OnConnect()
	}
	return nil
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) endpoint(token string) (string, error) {
	u, err := url.Parse(k.Config.WSURL)
	if err != nil {
		return "", fmt.Errorf("invalid ws_url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", k.Config.APIKey)
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// -----------------------------------------------------------------------------

func classifyDialError(resp *http.Response, err error) error {
	if resp != nil {
		msg := fmt.Sprintf("handshake rejected with status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return helpers.NewAuthError(msg, err)
		}
		return helpers.NewTransportError(msg, err)
	}
	return helpers.NewTransportError("dial", err)
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) subscribe(sess *session) error {
	if len(k.tokens) == 0 {
		return nil
	}
	if err := sess.writeJSON(map[string]interface{}{"a": "subscribe", "v": k.tokens}); err != nil {
		return err
	}
	return sess.writeJSON(map[string]interface{}{"a": "mode", "v": []interface{}{k.Config.Mode, k.tokens}})
}

// -----------------------------------------------------------------------------

// teardownLocked closes the current session and waits for its read loop.
func (k *KiteConnector) teardownLocked() {
	k.mu.Lock()
	sess := k.current
	k.current = nil
	k.mu.Unlock()

	if sess == nil {
		return
	}

	sess.closing.Store(true)
	sess.writeMu.Lock()
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	sess.writeMu.Unlock()
	sess.conn.Close()

	select {
	case <-sess.done:
	case <-time.After(5 * time.Second):
		k.Logger.Warning("Read loop did not exit within 5s of teardown")
	}
	k.Logger.Info("Disconnected")
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) readLoop(sess *session) {
	defer close(sess.done)

	readTimeout := time.Duration(k.Config.ReadTimeoutSeconds) * time.Second

	for {
		if readTimeout > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if sess.closing.Load() {
				return
			}
			k.mu.Lock()
			if k.current == sess {
				k.current = nil
			}
			k.mu.Unlock()
			sess.conn.Close()

			cause := helpers.NewTransportError("read", err)
			if helpers.IsAuthError(err) {
				cause = helpers.NewAuthError("read", err)
			}
			k.Logger.Warning("Upstream session ended: %v", err)
			for _, o := range k.snapshotObservers() {
				o.OnDisconnect(cause)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			k.handleBinary(data)
		case websocket.TextMessage:
			k.handleText(data)
		}
	}
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) handleBinary(data []byte) {
	// 1-byte frames are upstream heartbeats
	if len(data) <= 1 {
		return
	}

	received := k.now()
	packets, err := parseBinary(data)
	if err != nil {
		k.Logger.Warning("Malformed frame: %v", err)
	}

	ticks := k.normalize(packets, received)
	if len(ticks) == 0 {
		return
	}

	k.lastTickAt.Store(received.UnixNano())
	for _, o := range k.snapshotObservers() {
		o.OnTicks(ticks)
	}
}

// -----------------------------------------------------------------------------

// normalize maps packets to ticks, dropping tokens outside the instrument set.
func (k *KiteConnector) normalize(packets []quotePacket, received time.Time) []models.MTick {
	if len(packets) == 0 {
		return nil
	}

	phase := models.PhaseClosed
	if k.Clock != nil {
		phase = k.Clock.Phase(received)
	}

	ticks := make([]models.MTick, 0, len(packets))
	for _, p := range packets {
		symbol, ok := k.instruments[p.Token]
		if !ok {
			continue
		}
		ticks = append(ticks, toTick(p, symbol, phase, received))
	}
	return ticks
}

// -----------------------------------------------------------------------------

func toTick(p quotePacket, symbol string, phase models.SessionPhase, received time.Time) models.MTick {
	observed := received
	if !p.ExchangeTimestamp.IsZero() {
		observed = p.ExchangeTimestamp
	}

	change := p.LastPrice - p.Close
	changePct := 0.0
	if p.Close != 0 {
		changePct = change / p.Close * 100
	}

	return models.MTick{
		InstrumentID:  symbol,
		Token:         p.Token,
		Price:         p.LastPrice,
		Change:        change,
		ChangePercent: changePct,
		High:          p.High,
		Low:           p.Low,
		Open:          p.Open,
		PrevClose:     p.Close,
		Volume:        int64(p.Volume),
		OpenInterest:  int64(p.OI),
		SessionPhase:  phase,
		ObservedAt:    observed,
	}
}

// -----------------------------------------------------------------------------

// textMessage is the JSON envelope for non-tick upstream messages.
type textMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (k *KiteConnector) handleText(data []byte) {
	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		k.Logger.Debug("Ignoring non-JSON text frame: %v", err)
		return
	}

	switch msg.Type {
	case "error":
		var detail string
		if err := json.Unmarshal(msg.Data, &detail); err != nil {
			detail = strings.TrimSpace(string(msg.Data))
		}
		err := helpers.NewTransportError("upstream error", errors.New(detail))
		if helpers.IsAuthError(err) {
			err = helpers.NewAuthError("upstream error", errors.New(detail))
		}
		k.Logger.Error("Upstream reported: %s", detail)
		for _, o := range k.snapshotObservers() {
			o.OnError(err)
		}
	case "message":
		k.Logger.Info("Upstream message: %s", string(msg.Data))
	default:
		k.Logger.Debug("Ignoring upstream %q message", msg.Type)
	}
}

// -----------------------------------------------------------------------------

func (k *KiteConnector) snapshotObservers() []interfaces.IFeedObserver {
	k.observersMu.RLock()
	defer k.observersMu.RUnlock()
	out := make([]interfaces.IFeedObserver, len(k.observers))
	copy(out, k.observers)
	return out
}
