package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// Score bands for the connection-quality metric
const (
	qualityFresh        = 100
	qualityStale        = 50
	qualityConnecting   = 25
	maxQualityPenalty   = 30
	penaltyPerReconnect = 5
)

// CredentialGate is the part of the credential tracker the watchdog needs.
type CredentialGate interface {
	IsUsable() bool
	MarkFailure(err error) bool
}

// StateListener is told about every FeedState transition.
type StateListener func(from, to models.FeedState)

// ReconnectListener is told about every scheduled reconnect attempt.
type ReconnectListener func(attempt int)

type transition struct {
	from, to models.FeedState
}

// -----------------------------------------------------------------------------

// FeedWatchdog holds the process-wide FeedState. It is driven by connector
// events and by Check, and drives reconnects with bounded exponential backoff.
type FeedWatchdog struct {
	Config      *models.MWatchdogConfig
	Clock       interfaces.ISessionClock
	Reconnector interfaces.IReconnector
	Credentials CredentialGate
	Logger      *logger.Logger

	mu              sync.Mutex
	state           models.FeedState
	stateChangedAt  time.Time
	lastTickAt      time.Time
	connectedAt     time.Time
	attempts        int
	reconnectsToday int
	lastStall       time.Duration
	terminal        bool
	authSuspended   bool
	lastError       string
	pending         bool
	sessionOpen     bool
	nextDialAt      time.Time
	runCtx          context.Context

	listenersMu        sync.RWMutex
	stateListeners     []StateListener
	reconnectListeners []ReconnectListener

	wg  sync.WaitGroup
	now func() time.Time
}

// -----------------------------------------------------------------------------

func NewFeedWatchdog(cfg *models.MWatchdogConfig, clock interfaces.ISessionClock, reconnector interfaces.IReconnector, creds CredentialGate, log *logger.Logger) *FeedWatchdog {
	return &FeedWatchdog{
		Config:         cfg,
		Clock:          clock,
		Reconnector:    reconnector,
		Credentials:    creds,
		Logger:         log,
		state:          models.FeedDisconnected,
		stateChangedAt: time.Now(),
		runCtx:         context.Background(),
		now:            time.Now,
	}
}

// -----------------------------------------------------------------------------

func (w *FeedWatchdog) AddStateListener(l StateListener) {
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()
	w.stateListeners = append(w.stateListeners, l)
}

func (w *FeedWatchdog) AddReconnectListener(l ReconnectListener) {
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()
	w.reconnectListeners = append(w.reconnectListeners, l)
}

// -----------------------------------------------------------------------------

func (w *FeedWatchdog) State() models.FeedState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// -----------------------------------------------------------------------------
// Connector events
// -----------------------------------------------------------------------------

func (w *FeedWatchdog) OnConnect() {
	w.mu.Lock()
	w.connectedAt = w.now()
	w.pending = false
	w.sessionOpen = true
	w.nextDialAt = time.Time{}
	w.lastError = ""
	events := w.setStateLocked(models.FeedConnected)
	w.mu.Unlock()

	w.emit(events, nil)
}

// -----------------------------------------------------------------------------

// OnTick records tick recency. Any tick proves the feed alive, so the attempt
// counter resets and a stale or connecting state returns to connected. A
// disconnected state also returns while the session is still open.
func (w *FeedWatchdog) OnTick(at time.Time) {
	w.mu.Lock()
	if at.After(w.lastTickAt) {
		w.lastTickAt = at
	}
	w.attempts = 0
	var events []transition
	switch {
	case w.terminal || w.authSuspended:
	case w.state == models.FeedStale || w.state == models.FeedConnecting:
		events = w.setStateLocked(models.FeedConnected)
	case w.state == models.FeedDisconnected && w.sessionOpen:
		events = w.setStateLocked(models.FeedConnected)
	}
	w.mu.Unlock()

	w.emit(events, nil)
}

// -----------------------------------------------------------------------------

// OnDisconnect handles a session loss the caller did not ask for. During live
// a reconnect is scheduled, otherwise the session supervisor reconnects when
// the next connect window opens.
func (w *FeedWatchdog) OnDisconnect(err error) {
	if err != nil && helpers.IsAuthError(err) {
		w.suspend(err)
		return
	}

	w.mu.Lock()
	w.sessionOpen = false
	if err != nil {
		w.lastError = err.Error()
	}
	var events []transition
	var attempts []int
	if w.isLive(w.now()) && !w.terminal && !w.authSuspended {
		events = w.setStateLocked(models.FeedConnecting)
		events, attempts = w.scheduleLocked(events)
	} else if !w.terminal && !w.authSuspended {
		events = w.setStateLocked(models.FeedDisconnected)
	}
	w.mu.Unlock()

	w.emit(events, attempts)
}

// -----------------------------------------------------------------------------

func (w *FeedWatchdog) OnError(err error) {
	if err == nil {
		return
	}
	if helpers.IsAuthError(err) {
		w.suspend(err)
		return
	}
	w.mu.Lock()
	w.lastError = err.Error()
	w.mu.Unlock()
	w.Logger.Warning("Feed error: %v", err)
}

// -----------------------------------------------------------------------------

// MarkDisconnected records an intentional teardown. A pending reconnect is
// abandoned because it only fires from the connecting state.
func (w *FeedWatchdog) MarkDisconnected() {
	w.mu.Lock()
	w.sessionOpen = false
	var events []transition
	if w.state != models.FeedError {
		events = w.setStateLocked(models.FeedDisconnected)
	}
	w.mu.Unlock()

	w.emit(events, nil)
}

// -----------------------------------------------------------------------------

// CanDial reports whether the session supervisor may open a session now: the
// feed is disconnected, not suspended or terminal, and any backoff from an
// earlier failed dial has elapsed.
func (w *FeedWatchdog) CanDial(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == models.FeedDisconnected && !w.terminal && !w.authSuspended && !now.Before(w.nextDialAt)
}

// -----------------------------------------------------------------------------

// OnDialFailed handles a supervisor connect that failed at the given time.
// During live it takes the reconnect path. Before live each failure counts
// against the same attempt ceiling and pushes the next dial out by the
// backoff delay.
func (w *FeedWatchdog) OnDialFailed(at time.Time, err error) {
	if helpers.IsAuthError(err) || w.isLive(at) {
		w.OnDisconnect(err)
		return
	}

	w.mu.Lock()
	w.sessionOpen = false
	w.lastError = err.Error()
	w.attempts++
	var events []transition
	if w.attempts >= w.Config.MaxAttempts {
		w.terminal = true
		w.lastError = "connect attempts exhausted"
		w.Logger.Error("Giving up after %d connect attempts, manual intervention required", w.attempts)
		events = w.setStateLocked(models.FeedError)
	} else {
		delay := w.backoffLocked(w.attempts)
		w.nextDialAt = at.Add(delay)
		w.Logger.Info("Connect attempt %d/%d failed, next try in %v", w.attempts, w.Config.MaxAttempts, delay)
		events = w.setStateLocked(models.FeedDisconnected)
	}
	w.mu.Unlock()

	w.emit(events, nil)
}

// -----------------------------------------------------------------------------
// Supervision
// -----------------------------------------------------------------------------

// Check runs one poll. Nothing happens outside live: a quiet feed while the
// exchange is shut is expected.
func (w *FeedWatchdog) Check(now time.Time) {
	w.mu.Lock()
	if w.state != models.FeedConnected || !w.isLive(now) {
		w.mu.Unlock()
		return
	}

	ref := w.lastTickAt
	if w.connectedAt.After(ref) {
		ref = w.connectedAt
	}
	silence := now.Sub(ref)
	if silence <= w.staleThreshold() {
		w.mu.Unlock()
		return
	}

	w.lastStall = silence
	events := w.setStateLocked(models.FeedStale)
	w.Logger.Warning("No tick for %.1fs during live, feed declared stale", silence.Seconds())

	var attempts []int
	if !w.terminal && !w.authSuspended {
		w.sessionOpen = false
		events = append(events, w.setStateLocked(models.FeedConnecting)...)
		events, attempts = w.scheduleLocked(events)
	}
	w.mu.Unlock()

	w.emit(events, attempts)
}

// -----------------------------------------------------------------------------

// scheduleLocked books the next reconnect attempt or, past the ceiling,
// declares terminal failure.
func (w *FeedWatchdog) scheduleLocked(events []transition) ([]transition, []int) {
	if w.pending || w.runCtx.Err() != nil {
		return events, nil
	}

	if w.attempts >= w.Config.MaxAttempts {
		w.terminal = true
		w.lastError = "reconnect attempts exhausted"
		w.Logger.Error("Giving up after %d reconnect attempts, manual intervention required", w.attempts)
		return append(events, w.setStateLocked(models.FeedError)...), nil
	}

	w.attempts++
	w.reconnectsToday++
	w.pending = true

	attempt := w.attempts
	delay := w.backoffLocked(attempt)
	w.Logger.Info("Reconnect attempt %d/%d in %v", attempt, w.Config.MaxAttempts, delay)

	ctx := w.runCtx
	w.wg.Add(1)
	go w.reconnectAfter(ctx, delay, attempt)

	return events, []int{attempt}
}

// -----------------------------------------------------------------------------

func (w *FeedWatchdog) reconnectAfter(ctx context.Context, delay time.Duration, attempt int) {
	defer w.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		w.mu.Lock()
		w.pending = false
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if w.state != models.FeedConnecting || !w.isLive(w.now()) {
		w.pending = false
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if w.Credentials != nil && !w.Credentials.IsUsable() {
		w.mu.Lock()
		w.pending = false
		w.authSuspended = true
		w.lastError = "credential not usable"
		events := w.setStateLocked(models.FeedError)
		w.mu.Unlock()
		w.Logger.Warning("Reconnect %d skipped: credential not usable", attempt)
		w.emit(events, nil)
		return
	}

	err := w.Reconnector.ForceReconnect(ctx)
	if err == nil {
		return
	}
	w.reconnectFailed(err)
}

// -----------------------------------------------------------------------------

func (w *FeedWatchdog) reconnectFailed(err error) {
	w.Logger.Warning("Reconnect failed: %v", err)

	if errors.Is(err, context.Canceled) {
		w.mu.Lock()
		w.pending = false
		w.mu.Unlock()
		return
	}
	if helpers.IsAuthError(err) {
		w.suspend(err)
		return
	}

	w.mu.Lock()
	w.pending = false
	w.lastError = err.Error()
	var events []transition
	var attempts []int
	if w.isLive(w.now()) {
		events, attempts = w.scheduleLocked(nil)
	} else {
		events = w.setStateLocked(models.FeedDisconnected)
	}
	w.mu.Unlock()

	w.emit(events, attempts)
}

// -----------------------------------------------------------------------------

// suspend stops reconnecting until Resume and hands the error to the
// credential tracker.
func (w *FeedWatchdog) suspend(err error) {
	w.mu.Lock()
	w.pending = false
	w.authSuspended = true
	w.lastError = err.Error()
	events := w.setStateLocked(models.FeedError)
	w.mu.Unlock()

	w.Logger.Error("Authorization rejected, reconnects suspended until a new credential is installed: %v", err)
	if w.Credentials != nil {
		w.Credentials.MarkFailure(err)
	}
	w.emit(events, nil)
}

// -----------------------------------------------------------------------------

// Resume clears auth suspension and terminal failure after external
// intervention such as a credential install. A session that stayed open
// through the error goes back to connected, and its stale timer restarts.
func (w *FeedWatchdog) Resume() {
	w.mu.Lock()
	w.authSuspended = false
	w.terminal = false
	w.attempts = 0
	w.nextDialAt = time.Time{}
	w.lastError = ""
	var events []transition
	switch {
	case w.sessionOpen && w.state != models.FeedConnected:
		w.connectedAt = w.now()
		events = w.setStateLocked(models.FeedConnected)
	case w.state == models.FeedError || (w.state == models.FeedConnecting && !w.pending):
		events = w.setStateLocked(models.FeedDisconnected)
	}
	w.mu.Unlock()

	w.Logger.Info("Reconnects resumed")
	w.emit(events, nil)
}

// -----------------------------------------------------------------------------

// ResetDaily zeroes the per-day reconnect count used by the quality penalty.
func (w *FeedWatchdog) ResetDaily() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconnectsToday = 0
}

// -----------------------------------------------------------------------------

// Run polls until ctx is done, then waits for in-flight reconnects.
func (w *FeedWatchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	w.runCtx = ctx
	w.mu.Unlock()

	poll := time.Duration(w.Config.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 3 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	w.Logger.Info("Watchdog started (poll %v, stale after %v)", poll, w.staleThreshold())
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.Logger.Info("Watchdog stopped")
			return nil
		case <-ticker.C:
			w.Check(w.now())
		}
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (w *FeedWatchdog) Health(now time.Time) models.MFeedHealth {
	w.mu.Lock()
	defer w.mu.Unlock()

	h := models.MFeedHealth{
		State:             w.state,
		ConnectionQuality: w.qualityLocked(),
		ReconnectAttempts: w.attempts,
		ReconnectsToday:   w.reconnectsToday,
		LastStallSeconds:  w.lastStall.Seconds(),
		Terminal:          w.terminal,
		AuthSuspended:     w.authSuspended,
		LastError:         w.lastError,
		StateChangedAt:    w.stateChangedAt,
	}

	if !w.lastTickAt.IsZero() {
		ago := now.Sub(w.lastTickAt).Seconds()
		h.LastTickSecondsAgo = &ago
	}

	h.IsStale = w.state == models.FeedStale
	if w.state == models.FeedConnected && w.isLive(now) {
		ref := w.lastTickAt
		if w.connectedAt.After(ref) {
			ref = w.connectedAt
		}
		h.IsStale = now.Sub(ref) > w.staleThreshold()
	}
	h.IsHealthy = w.state == models.FeedConnected && !h.IsStale
	return h
}

// -----------------------------------------------------------------------------

// qualityLocked scores 0..100. Reconnects only cost points once the daily
// count passes the baseline, and the penalty is capped.
func (w *FeedWatchdog) qualityLocked() int {
	var score int
	switch w.state {
	case models.FeedConnected:
		score = qualityFresh
	case models.FeedStale:
		score = qualityStale
	case models.FeedConnecting:
		score = qualityConnecting
	default:
		return 0
	}

	if excess := w.reconnectsToday - w.Config.QualityBaseline; excess > 0 {
		penalty := excess * penaltyPerReconnect
		if penalty > maxQualityPenalty {
			penalty = maxQualityPenalty
		}
		score -= penalty
	}
	if score < 0 {
		score = 0
	}
	return score
}

// -----------------------------------------------------------------------------

func (w *FeedWatchdog) setStateLocked(to models.FeedState) []transition {
	from := w.state
	if from == to {
		return nil
	}
	w.state = to
	w.stateChangedAt = w.now()
	w.Logger.Info("Feed state %s -> %s", from, to)
	return []transition{{from: from, to: to}}
}

func (w *FeedWatchdog) emit(events []transition, attempts []int) {
	if len(events) == 0 && len(attempts) == 0 {
		return
	}
	w.listenersMu.RLock()
	stateListeners := append([]StateListener(nil), w.stateListeners...)
	reconnectListeners := append([]ReconnectListener(nil), w.reconnectListeners...)
	w.listenersMu.RUnlock()

	for _, ev := range events {
		for _, l := range stateListeners {
			l(ev.from, ev.to)
		}
	}
	for _, a := range attempts {
		for _, l := range reconnectListeners {
			l(a)
		}
	}
}

func (w *FeedWatchdog) isLive(now time.Time) bool {
	return w.Clock != nil && w.Clock.Phase(now) == models.PhaseLive
}

func (w *FeedWatchdog) backoffLocked(attempt int) time.Duration {
	return helpers.BackoffDelay(attempt,
		time.Duration(w.Config.BackoffBaseMs)*time.Millisecond,
		time.Duration(w.Config.BackoffMaxMs)*time.Millisecond)
}

func (w *FeedWatchdog) staleThreshold() time.Duration {
	return time.Duration(w.Config.StaleSeconds) * time.Second
}
