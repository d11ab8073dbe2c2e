package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-streamer/src/auth"
	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/metrics"
	"market-streamer/src/models"
	"market-streamer/src/server"
	"market-streamer/src/storage"
	"market-streamer/src/watchdog"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// fakeClock answers every question from settable fields.
type fakeClock struct {
	mu        sync.Mutex
	phase     models.SessionPhase
	window    bool
	afterLive bool
	date      string
}

func (c *fakeClock) Phase(time.Time) models.SessionPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *fakeClock) SecondsUntilNextPhase(time.Time) int64 { return 60 }

func (c *fakeClock) InConnectWindow(time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

func (c *fakeClock) IsAfterLive(time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.afterLive
}

func (c *fakeClock) TradingDate(time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.date
}

func (c *fakeClock) set(phase models.SessionPhase, window, afterLive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase, c.window, c.afterLive = phase, window, afterLive
}

// -----------------------------------------------------------------------------

type fakeConnector struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	token       string
	connected   bool
	connectErr  error
	lastTick    time.Time
	observers   []interfaces.IFeedObserver
}

func (f *fakeConnector) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.connected = true
	observers := append([]interfaces.IFeedObserver(nil), f.observers...)
	f.mu.Unlock()

	for _, o := range observers {
		o.OnConnect()
	}
	return nil
}

func (f *fakeConnector) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeConnector) ForceReconnect(ctx context.Context) error {
	f.Disconnect()
	return f.Connect(ctx)
}

func (f *fakeConnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnector) LastTickAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTick
}

func (f *fakeConnector) SetCredential(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeConnector) AddObserver(o interfaces.IFeedObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *fakeConnector) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeConnector) currentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// -----------------------------------------------------------------------------

// memoryBackups is an in-memory backup store keyed by symbol.
type memoryBackups struct {
	mu      sync.Mutex
	saved   map[string]models.MCandleBackup
	saves   int
	cutoffs []string
}

func newMemoryBackups() *memoryBackups {
	return &memoryBackups{saved: make(map[string]models.MCandleBackup)}
}

func (m *memoryBackups) Initialize(context.Context) error { return nil }

func (m *memoryBackups) SaveBackup(_ context.Context, b models.MCandleBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[b.Symbol] = b
	m.saves++
	return nil
}

func (m *memoryBackups) LoadLatestBackup(_ context.Context, symbol string) (*models.MCandleBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.saved[symbol]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *memoryBackups) PruneBefore(_ context.Context, cutoff string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, cutoff)
	return 0, nil
}

func (m *memoryBackups) Close() error { return nil }

func (m *memoryBackups) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// -----------------------------------------------------------------------------

type recordingConn struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (r *recordingConn) WriteJSON(v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, v)
	return nil
}

func (r *recordingConn) Close() error { return nil }

func (r *recordingConn) ticks() []models.MTick {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MTick
	for _, m := range r.msgs {
		if tm, ok := m.(models.MTickMessage); ok {
			out = append(out, tm.Data)
		}
	}
	return out
}

type fakeVerifier struct{ err error }

func (f fakeVerifier) Verify(context.Context) error { return f.err }

// -----------------------------------------------------------------------------

type harness struct {
	o       *Orchestrator
	clock   *fakeClock
	conn    *fakeConnector
	backups *memoryBackups
	tracker *auth.CredentialTracker
	wd      *watchdog.FeedWatchdog
	store   *storage.MarketStore
	hub     *server.Hub
	metrics *metrics.Collectors
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	log := logger.Nop()
	cfg := &models.MConfig{
		Session: models.MSessionConfig{PollSeconds: 1},
		Storage: models.MStorageConfig{RetentionDays: 30},
		Feed: models.MFeedConfig{Instruments: []models.MInstrumentConfig{
			{Token: 738561, Symbol: "RELIANCE"},
			{Token: 2953217, Symbol: "TCS"},
		}},
		Watchdog: models.MWatchdogConfig{
			PollSeconds:   1,
			StaleSeconds:  10,
			MaxAttempts:   3,
			BackoffBaseMs: 1,
			BackoffMaxMs:  4,
		},
		MarketStore: models.MMarketStoreConfig{TickTTLSeconds: 60, CandleBucketSeconds: 300, CandleCapacity: 100},
		Hub:         models.MHubConfig{HeartbeatSeconds: 25, IdleTimeoutSeconds: 60, SendBuffer: 64},
	}

	h := &harness{
		clock:   &fakeClock{phase: models.PhaseClosed, date: "2026-10-19"},
		conn:    &fakeConnector{},
		backups: newMemoryBackups(),
	}
	h.tracker = auth.NewCredentialTracker(token, time.Time{}, 0, 3, log)
	h.wd = watchdog.NewFeedWatchdog(&cfg.Watchdog, h.clock, h.conn, h.tracker, log)
	h.store = storage.NewMarketStore(&cfg.MarketStore, []string{"RELIANCE", "TCS"}, h.backups, ist, log)
	h.hub = server.NewHub(&cfg.Hub, h.store, h.wd, h.clock, h.tracker, log)
	h.metrics = metrics.New()

	h.o = New(cfg, Components{
		Clock:     h.clock,
		Tracker:   h.tracker,
		Connector: h.conn,
		Watchdog:  h.wd,
		Store:     h.store,
		Hub:       h.hub,
		Metrics:   h.metrics,
	}, log)
	return h
}

// start runs the orchestrator until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
}

func tick(symbol string, price float64, volume int64, mm int) models.MTick {
	return models.MTick{
		InstrumentID: symbol,
		Price:        price,
		Volume:       volume,
		SessionPhase: models.PhaseLive,
		ObservedAt:   time.Date(2026, 10, 19, 10, mm, 0, 0, ist),
	}
}

// -----------------------------------------------------------------------------

func TestNewSeedsConnectorCredential(t *testing.T) {
	h := newHarness(t, "day-token")
	assert.Equal(t, "day-token", h.conn.currentToken())
}

func TestTicksReachStoreAndSubscribersInOrder(t *testing.T) {
	h := newHarness(t, "day-token")
	h.start(t)

	sub := &recordingConn{}
	_, err := h.hub.Register(sub)
	require.NoError(t, err)

	h.o.OnConnect()
	for i := 0; i < 20; i++ {
		h.o.OnTicks([]models.MTick{tick("RELIANCE", 100+float64(i), int64(1000+i), i)})
	}

	require.Eventually(t, func() bool { return len(sub.ticks()) == 20 }, 2*time.Second, 10*time.Millisecond)
	for i, got := range sub.ticks() {
		assert.Equal(t, 100+float64(i), got.Price)
	}

	latest, ok := h.store.GetBestEffort("RELIANCE")
	require.True(t, ok)
	assert.Equal(t, 119.0, latest.Price)
	assert.NotEmpty(t, h.store.Candles("RELIANCE", 0))
	assert.Equal(t, models.FeedConnected, h.wd.State())
}

func TestSupervisorConnectsOnlyInWindowWithCredential(t *testing.T) {
	h := newHarness(t, "day-token")
	ctx := context.Background()

	h.o.step(ctx, time.Now())
	connects, _ := h.conn.counts()
	assert.Equal(t, 0, connects, "closed and outside the window")

	h.clock.set(models.PhaseAuctionFreeze, true, false)
	h.o.step(ctx, time.Now())
	connects, _ = h.conn.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, models.FeedConnected, h.wd.State())

	h.o.step(ctx, time.Now())
	connects, _ = h.conn.counts()
	assert.Equal(t, 1, connects, "already connected")
}

func TestFailingConnectBacksOffToCeiling(t *testing.T) {
	h := newHarness(t, "day-token")
	h.conn.connectErr = helpers.NewTransportError("dial", errors.New("connection refused"))
	h.clock.set(models.PhaseAuctionFreeze, true, false)
	ctx := context.Background()
	base := time.Now()

	h.o.step(ctx, base)
	h.o.step(ctx, base)
	h.o.step(ctx, base.Add(time.Millisecond/2))
	connects, _ := h.conn.counts()
	assert.Equal(t, 1, connects, "no redial inside the backoff delay")

	h.o.step(ctx, base.Add(time.Second))
	h.o.step(ctx, base.Add(2*time.Second))
	connects, _ = h.conn.counts()
	assert.Equal(t, 3, connects)
	assert.True(t, h.wd.Health(base).Terminal)

	for i := 3; i < 20; i++ {
		h.o.step(ctx, base.Add(time.Duration(i)*time.Second))
	}
	connects, _ = h.conn.counts()
	assert.Equal(t, 3, connects, "ceiling reached")
}

func TestSupervisorPublishesConnectionQuality(t *testing.T) {
	h := newHarness(t, "day-token")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ConnectionQuality))

	h.clock.set(models.PhaseLive, true, false)
	h.o.step(context.Background(), time.Now())

	assert.Equal(t, 100.0, testutil.ToFloat64(h.metrics.ConnectionQuality))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.FeedState))
}

func TestTickRecencyComesFromConnector(t *testing.T) {
	h := newHarness(t, "day-token")
	received := time.Date(2026, 10, 19, 10, 0, 0, 0, ist)
	h.conn.lastTick = received

	h.o.OnTicks([]models.MTick{tick("TCS", 3000, 500, 0)})

	ago := h.wd.Health(received.Add(2 * time.Second)).LastTickSecondsAgo
	require.NotNil(t, ago)
	assert.InDelta(t, 2.0, *ago, 1e-9)
}

func TestInstallOnOpenSessionKeepsFeedConnected(t *testing.T) {
	h := newHarness(t, "old-token")
	h.clock.set(models.PhaseLive, true, false)
	h.o.step(context.Background(), time.Now())
	require.Equal(t, models.FeedConnected, h.wd.State())

	h.o.OnError(helpers.NewAuthError("upstream error", errors.New("Invalid access token")))
	require.Equal(t, models.FeedError, h.wd.State())

	require.NoError(t, h.o.InstallCredential(context.Background(), "new-token"))
	assert.Equal(t, models.FeedConnected, h.wd.State())
	assert.True(t, h.wd.Health(time.Now()).IsHealthy)
}

func TestSupervisorWaitsForCredential(t *testing.T) {
	h := newHarness(t, "")
	h.clock.set(models.PhaseLive, true, false)

	h.o.step(context.Background(), time.Now())
	connects, _ := h.conn.counts()
	assert.Equal(t, 0, connects)
	assert.Equal(t, models.CredentialRequired, h.tracker.State())
}

func TestAuthRejectedConnectExpiresCredential(t *testing.T) {
	h := newHarness(t, "day-token")
	h.conn.connectErr = helpers.NewAuthError("handshake rejected with status 403", nil)
	h.clock.set(models.PhaseAuctionFreeze, true, false)

	h.o.step(context.Background(), time.Now())
	assert.Equal(t, models.CredentialExpired, h.tracker.State())
	assert.True(t, h.wd.Health(time.Now()).AuthSuspended)

	h.o.step(context.Background(), time.Now())
	connects, _ := h.conn.counts()
	assert.Equal(t, 1, connects, "no retry while suspended")
}

func TestInstallCredentialResumesFeed(t *testing.T) {
	h := newHarness(t, "old-token")
	h.o.OnError(helpers.NewAuthError("TokenException", nil))
	require.True(t, h.wd.Health(time.Now()).AuthSuspended)

	require.NoError(t, h.o.InstallCredential(context.Background(), "new-token"))

	assert.Equal(t, "new-token", h.conn.currentToken())
	assert.Equal(t, models.CredentialValid, h.tracker.State())
	assert.False(t, h.wd.Health(time.Now()).AuthSuspended)
}

func TestInstallCredentialRejectedByBroker(t *testing.T) {
	h := newHarness(t, "")
	h.o.Verifier = fakeVerifier{err: helpers.NewAuthError("TokenException: invalid token", nil)}

	err := h.o.InstallCredential(context.Background(), "bad-token")
	require.Error(t, err)
	assert.True(t, helpers.IsAuthError(err))
}

func TestInstallCredentialToleratesTransportFailure(t *testing.T) {
	h := newHarness(t, "")
	h.o.Verifier = fakeVerifier{err: helpers.NewTransportError("profile call", errors.New("timeout"))}

	assert.NoError(t, h.o.InstallCredential(context.Background(), "token"))
}

func TestInstallCredentialRejectsEmptyToken(t *testing.T) {
	h := newHarness(t, "")
	err := h.o.InstallCredential(context.Background(), "")

	var cfgErr *helpers.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCloseSessionBacksUpOncePerDay(t *testing.T) {
	h := newHarness(t, "day-token")
	ctx := context.Background()

	h.clock.set(models.PhaseLive, true, false)
	h.o.step(ctx, time.Now())
	h.store.AppendTick(tick("RELIANCE", 100, 1000, 0))
	h.store.AppendTick(tick("TCS", 3000, 500, 0))

	h.clock.set(models.PhaseClosed, false, true)
	h.o.step(ctx, time.Now())
	h.o.step(ctx, time.Now())

	assert.Equal(t, 2, h.backups.saveCount())
	_, disconnects := h.conn.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, models.FeedDisconnected, h.wd.State())
	assert.Len(t, h.backups.cutoffs, 1)
}

func TestNoCloseBackupWithoutLiveSession(t *testing.T) {
	h := newHarness(t, "day-token")
	h.store.AppendTick(tick("RELIANCE", 100, 1000, 0))

	h.clock.set(models.PhaseClosed, false, true)
	h.o.step(context.Background(), time.Now())

	assert.Equal(t, 0, h.backups.saveCount())
}

func TestRunRestoresHistoryBeforeTicks(t *testing.T) {
	h := newHarness(t, "")
	restored := []models.MCandle{
		{InstrumentID: "TCS", Open: 1, High: 2, Low: 1, Close: 2, BucketStart: time.Date(2026, 10, 16, 15, 0, 0, 0, ist)},
		{InstrumentID: "TCS", Open: 2, High: 3, Low: 2, Close: 3, BucketStart: time.Date(2026, 10, 16, 15, 5, 0, 0, ist)},
	}
	require.NoError(t, h.backups.SaveBackup(context.Background(), models.MCandleBackup{
		Symbol:      "TCS",
		BackupDate:  "2026-10-16",
		CandleCount: len(restored),
		Candles:     restored,
	}))

	h.start(t)
	require.Eventually(t, func() bool { return len(h.store.Candles("TCS", 0)) == 2 }, time.Second, 10*time.Millisecond)
}

func TestPreOpenResetsSessionOncePerDay(t *testing.T) {
	h := newHarness(t, "")
	h.store.AppendTick(tick("RELIANCE", 100, 1000, 0))

	h.clock.set(models.PhasePreOpen, false, false)
	h.o.step(context.Background(), time.Now())

	// After the reset the next cumulative reading is a fresh baseline
	h.store.AppendTick(tick("RELIANCE", 101, 5000, 1))
	candles := h.store.Candles("RELIANCE", 0)
	require.NotEmpty(t, candles)
	assert.Equal(t, int64(0), candles[len(candles)-1].Volume)
}

func TestShutdownDisconnectsFeed(t *testing.T) {
	h := newHarness(t, "day-token")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	h.o.OnConnect()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	_, disconnects := h.conn.counts()
	assert.GreaterOrEqual(t, disconnects, 1)
	assert.Equal(t, models.FeedDisconnected, h.wd.State())
}
