package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"market-streamer/src/auth"
	"market-streamer/src/data_source/kite"
	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/metrics"
	"market-streamer/src/models"
	"market-streamer/src/server"
	"market-streamer/src/storage"
	"market-streamer/src/watchdog"

	"golang.org/x/sync/errgroup"
)

const (
	dispatchBuffer  = 4096
	shutdownTimeout = 30 * time.Second
)

// SessionClock is the clock surface the supervisor drives the day with.
type SessionClock interface {
	interfaces.ISessionClock
	InConnectWindow(now time.Time) bool
	IsAfterLive(now time.Time) bool
	TradingDate(now time.Time) string
}

// Verifier checks the installed credential against the broker.
type Verifier interface {
	Verify(ctx context.Context) error
}

type instrumentRegistry interface {
	RegisterInstruments(ctx context.Context, instruments []models.MInstrumentConfig) error
}

// Components are the collaborators the orchestrator wires together.
// Verifier and Metrics are optional.
type Components struct {
	Clock     SessionClock
	Tracker   *auth.CredentialTracker
	Verifier  Verifier
	Connector interfaces.IFeedConnector
	Watchdog  *watchdog.FeedWatchdog
	Store     *storage.MarketStore
	Hub       *server.Hub
	Metrics   *metrics.Collectors
}

// -----------------------------------------------------------------------------
// Orchestrator owns the process lifecycle: it routes connector events, runs the
// session supervisor and shuts everything down in order.
// -----------------------------------------------------------------------------

type Orchestrator struct {
	Components
	Config *models.MConfig
	Logger *logger.Logger

	batches chan []models.MTick
	stopped chan struct{}
	wake    chan struct{}

	mu         sync.Mutex
	lastPhase  models.SessionPhase
	resetDate  string
	closedDate string
	sawLive    bool

	now func() time.Time
}

// -----------------------------------------------------------------------------

func New(cfg *models.MConfig, c Components, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		Components: c,
		Config:     cfg,
		Logger:     log,
		batches:    make(chan []models.MTick, dispatchBuffer),
		stopped:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}

	c.Connector.AddObserver(o)

	if cred, ok := c.Tracker.Credential(); ok {
		c.Connector.SetCredential(cred.AccessToken)
	}
	c.Tracker.AddListener(func(cred auth.Credential) {
		c.Connector.SetCredential(cred.AccessToken)
		c.Watchdog.Resume()
		c.Hub.BroadcastStatus()
	})

	c.Watchdog.AddStateListener(func(_, _ models.FeedState) {
		o.observeHealth()
		c.Hub.BroadcastStatus()
	})
	if c.Metrics != nil {
		c.Watchdog.AddReconnectListener(c.Metrics.ObserveReconnect)
		c.Hub.OnCountChange = c.Metrics.ObserveSubscribers
	}

	return o
}

// -----------------------------------------------------------------------------
// Feed events
// -----------------------------------------------------------------------------

func (o *Orchestrator) OnConnect() {
	o.Watchdog.OnConnect()
	o.Tracker.MarkSuccess()
}

// OnTicks records recency immediately and queues the batch for the single
// dispatch task, which keeps upstream arrival order.
func (o *Orchestrator) OnTicks(ticks []models.MTick) {
	if len(ticks) == 0 {
		return
	}
	at := o.Connector.LastTickAt()
	if at.IsZero() {
		at = o.now()
	}
	o.Watchdog.OnTick(at)
	select {
	case o.batches <- ticks:
	case <-o.stopped:
	}
}

func (o *Orchestrator) OnDisconnect(err error) {
	o.Logger.Warning("Feed disconnected: %v", err)
	o.Watchdog.OnDisconnect(err)
}

func (o *Orchestrator) OnError(err error) {
	o.Watchdog.OnError(err)
	if helpers.IsAuthError(err) {
		o.Hub.BroadcastStatus()
	}
}

// -----------------------------------------------------------------------------
// Credential
// -----------------------------------------------------------------------------

// InstallCredential installs a new access token, verifies it against the
// broker and wakes the supervisor. Only an authorization rejection is
// returned as a failure; other verification errors are logged.
func (o *Orchestrator) InstallCredential(ctx context.Context, token string) error {
	if err := o.Tracker.Install(token); err != nil {
		return err
	}

	if o.Verifier != nil {
		if err := o.Verifier.Verify(ctx); err != nil {
			if helpers.IsAuthError(err) {
				o.Hub.BroadcastStatus()
				return err
			}
			o.Logger.Warning("Credential installed but verification failed: %v", err)
		}
	}

	o.nudge()
	return nil
}

func (o *Orchestrator) observeHealth() {
	if o.Metrics != nil {
		o.Metrics.ObserveHealth(o.Watchdog.Health(o.now()))
	}
}

func (o *Orchestrator) nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run restores candle history, then supervises the session until ctx is
// done. The hub outlives the connector so subscribers see the final
// disconnected status before their sessions close.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.bootstrap(ctx)

	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.Hub.Run(hubCtx) })
	g.Go(func() error { return o.dispatch(gctx) })
	g.Go(func() error { return o.Watchdog.Run(gctx) })
	g.Go(func() error { return o.supervise(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		o.shutdown()
		stopHub()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	o.Logger.Info("Orchestrator stopped")
	return err
}

// -----------------------------------------------------------------------------

func (o *Orchestrator) bootstrap(ctx context.Context) {
	if reg, ok := o.Store.Backups.(instrumentRegistry); ok {
		if err := reg.RegisterInstruments(ctx, o.Config.Feed.Instruments); err != nil {
			o.Logger.Warning("Instrument registry update failed: %v", err)
		}
	}

	total := 0
	for _, n := range o.Store.RestoreAll(ctx) {
		total += n
	}
	o.Logger.Info("Restored %d candles across %d instruments", total, len(o.Store.Symbols()))

	if _, ok := o.Tracker.Credential(); ok && o.Verifier != nil {
		if err := o.Verifier.Verify(ctx); err != nil {
			o.Logger.Warning("Startup credential verification failed: %v", err)
		}
	}
}

// -----------------------------------------------------------------------------

// dispatch applies tick batches to the store, the hub and the metrics in
// arrival order. Batches already queued at shutdown are still applied.
func (o *Orchestrator) dispatch(ctx context.Context) error {
	defer close(o.stopped)
	for {
		select {
		case batch := <-o.batches:
			o.apply(batch)
		case <-ctx.Done():
			for {
				select {
				case batch := <-o.batches:
					o.apply(batch)
				default:
					return nil
				}
			}
		}
	}
}

func (o *Orchestrator) apply(batch []models.MTick) {
	for _, tick := range batch {
		o.Store.AppendTick(tick)
		o.Hub.BroadcastTick(tick)
		if o.Metrics != nil {
			o.Metrics.ObserveTick(tick.InstrumentID)
		}
	}
}

// -----------------------------------------------------------------------------
// Session supervisor
// -----------------------------------------------------------------------------

func (o *Orchestrator) supervise(ctx context.Context) error {
	poll := time.Duration(o.Config.Session.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	o.Logger.Info("Session supervisor started (poll %v)", poll)
	o.step(ctx, o.now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.step(ctx, o.now())
		case <-o.wake:
			o.step(ctx, o.now())
		}
	}
}

// -----------------------------------------------------------------------------

// step runs one supervisor pass: daily reset at pre-open, credential aging,
// connecting inside the window and the close-of-session backup.
func (o *Orchestrator) step(ctx context.Context, now time.Time) {
	phase := o.Clock.Phase(now)
	date := o.Clock.TradingDate(now)

	o.mu.Lock()
	changed := phase != o.lastPhase
	o.lastPhase = phase
	resetDue := phase == models.PhasePreOpen && o.resetDate != date
	if resetDue {
		o.resetDate = date
	}
	if phase == models.PhaseLive {
		o.sawLive = true
	}
	closeDue := o.sawLive && o.closedDate != date && o.Clock.IsAfterLive(now)
	o.mu.Unlock()

	if changed {
		o.Logger.Info("Session phase is now %s (%d s to next change)", phase, o.Clock.SecondsUntilNextPhase(now))
		o.Hub.BroadcastStatus()
	}

	if resetDue {
		o.Logger.Info("New trading day %s, resetting daily counters", date)
		o.Watchdog.ResetDaily()
		o.Store.StartSession()
	}

	if o.Tracker.CheckAge(now) {
		o.Hub.BroadcastStatus()
	}
	o.observeHealth()

	switch {
	case closeDue:
		o.closeSession(ctx, date)
	case o.Clock.InConnectWindow(now):
		o.ensureConnected(ctx, now)
	}
}

// -----------------------------------------------------------------------------

func (o *Orchestrator) ensureConnected(ctx context.Context, now time.Time) {
	if o.Connector.IsConnected() || !o.Watchdog.CanDial(now) {
		return
	}
	if !o.Tracker.IsUsable() {
		o.Logger.Debug("Connect window open but no usable credential")
		return
	}

	o.Logger.Info("Connecting feed for %d instruments", len(o.Config.Feed.Instruments))
	err := o.Connector.Connect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, kite.ErrOutsideConnectWindow), errors.Is(err, context.Canceled):
		o.Logger.Debug("Connect skipped: %v", err)
	default:
		o.Logger.Warning("Feed connect failed: %v", err)
		o.Watchdog.OnDialFailed(now, err)
	}
}

// -----------------------------------------------------------------------------

// closeSession disconnects the feed and backs up every instrument once per
// trading day, then prunes backups past retention.
func (o *Orchestrator) closeSession(ctx context.Context, date string) {
	o.mu.Lock()
	if o.closedDate == date {
		o.mu.Unlock()
		return
	}
	o.closedDate = date
	o.sawLive = false
	o.mu.Unlock()

	o.Logger.Info("Session %s closed, disconnecting feed and backing up candles", date)
	if err := o.Connector.Disconnect(); err != nil {
		o.Logger.Warning("Feed disconnect: %v", err)
	}
	o.Watchdog.MarkDisconnected()

	failed := 0
	results := o.Store.BackupAll(ctx)
	for _, err := range results {
		if o.Metrics != nil {
			o.Metrics.ObserveBackup(err)
		}
		if err != nil {
			failed++
		}
	}
	o.Logger.Info("Backup finished: %d instruments, %d failed", len(results), failed)

	if _, err := o.Store.Prune(ctx, o.Config.Storage.RetentionDays); err != nil {
		o.Logger.Warning("%v", err)
	}
}

// -----------------------------------------------------------------------------

// shutdown stops the feed first, lets dispatch drain, then backs up if
// today's live session already ended and was not yet backed up.
func (o *Orchestrator) shutdown() {
	o.Logger.Info("Shutting down feed")
	if err := o.Connector.Disconnect(); err != nil {
		o.Logger.Warning("Feed disconnect: %v", err)
	}
	o.Watchdog.MarkDisconnected()
	<-o.stopped

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	now := o.now()
	o.mu.Lock()
	due := o.sawLive && o.Clock.IsAfterLive(now)
	o.mu.Unlock()
	if due {
		o.closeSession(ctx, o.Clock.TradingDate(now))
	}

	o.Hub.BroadcastStatus()
}
