package utils

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// SessionClock maps wall-clock time to the exchange session phase.
// It holds no mutable state.
// -----------------------------------------------------------------------------

type SessionClock struct {
	Location    *time.Location
	Calendar    *TradingCalendar
	ConnectLead time.Duration

	// Window bounds in seconds after local midnight
	preOpenStart int
	auctionStart int
	liveStart    int
	liveEnd      int
}

// -----------------------------------------------------------------------------

func NewSessionClock(cfg models.MSessionConfig) (*SessionClock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone %q: %w", cfg.Timezone, err)
	}

	bounds := make([]int, 4)
	for i, s := range []string{cfg.PreOpenStart, cfg.AuctionStart, cfg.LiveStart, cfg.LiveEnd} {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return nil, fmt.Errorf("invalid session bound %q: %w", s, err)
		}
		bounds[i] = t.Hour()*3600 + t.Minute()*60
		if i > 0 && bounds[i] <= bounds[i-1] {
			return nil, fmt.Errorf("session bound %q is not after the previous one", s)
		}
	}

	return &SessionClock{
		Location:     loc,
		Calendar:     NewTradingCalendar(cfg.ExchangeMIC, cfg.Holidays, loc),
		ConnectLead:  time.Duration(cfg.ConnectLeadMinutes) * time.Minute,
		preOpenStart: bounds[0],
		auctionStart: bounds[1],
		liveStart:    bounds[2],
		liveEnd:      bounds[3],
	}, nil
}

// -----------------------------------------------------------------------------

// Phase returns the session phase at now. A zero time yields closed.
func (sc *SessionClock) Phase(now time.Time) models.SessionPhase {
	if now.IsZero() {
		return models.PhaseClosed
	}
	local := now.In(sc.Location)
	if !sc.Calendar.IsTradingDay(local) {
		return models.PhaseClosed
	}

	secs := secondsOfDay(local)
	switch {
	case secs >= sc.preOpenStart && secs < sc.auctionStart:
		return models.PhasePreOpen
	case secs >= sc.auctionStart && secs < sc.liveStart:
		return models.PhaseAuctionFreeze
	case secs >= sc.liveStart && secs < sc.liveEnd:
		return models.PhaseLive
	default:
		return models.PhaseClosed
	}
}

// -----------------------------------------------------------------------------

// NextPhaseChange returns the instant the phase next changes and the phase
// that begins there.
func (sc *SessionClock) NextPhaseChange(now time.Time) (time.Time, models.SessionPhase) {
	local := now.In(sc.Location)

	if sc.Calendar.IsTradingDay(local) {
		secs := secondsOfDay(local)
		midnight := startOfDay(local)
		switch {
		case secs < sc.preOpenStart:
			return midnight.Add(time.Duration(sc.preOpenStart) * time.Second), models.PhasePreOpen
		case secs < sc.auctionStart:
			return midnight.Add(time.Duration(sc.auctionStart) * time.Second), models.PhaseAuctionFreeze
		case secs < sc.liveStart:
			return midnight.Add(time.Duration(sc.liveStart) * time.Second), models.PhaseLive
		case secs < sc.liveEnd:
			return midnight.Add(time.Duration(sc.liveEnd) * time.Second), models.PhaseClosed
		}
	}

	// Closed for the rest of the day: next pre-open on the next trading day
	day := startOfDay(local)
	for i := 0; i < 30; i++ {
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, sc.Location)
		if sc.Calendar.IsTradingDay(day) {
			return day.Add(time.Duration(sc.preOpenStart) * time.Second), models.PhasePreOpen
		}
	}
	return day, models.PhaseClosed
}

// -----------------------------------------------------------------------------

// SecondsUntilNextPhase is the whole number of seconds until the next change.
func (sc *SessionClock) SecondsUntilNextPhase(now time.Time) int64 {
	if now.IsZero() {
		return 0
	}
	next, _ := sc.NextPhaseChange(now)
	secs := int64(next.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// -----------------------------------------------------------------------------

// InConnectWindow reports whether the feed should be connected: from
// ConnectLead before live start until live end on a trading day.
func (sc *SessionClock) InConnectWindow(now time.Time) bool {
	if now.IsZero() {
		return false
	}
	local := now.In(sc.Location)
	if !sc.Calendar.IsTradingDay(local) {
		return false
	}
	secs := secondsOfDay(local)
	lead := int(sc.ConnectLead / time.Second)
	return secs >= sc.liveStart-lead && secs < sc.liveEnd
}

// -----------------------------------------------------------------------------

// IsAfterLive reports whether today's live window has already ended.
func (sc *SessionClock) IsAfterLive(now time.Time) bool {
	local := now.In(sc.Location)
	return sc.Calendar.IsTradingDay(local) && secondsOfDay(local) >= sc.liveEnd
}

// -----------------------------------------------------------------------------

// TradingDate is the exchange-local calendar date of now (YYYY-MM-DD).
func (sc *SessionClock) TradingDate(now time.Time) string {
	return now.In(sc.Location).Format("2006-01-02")
}

// -----------------------------------------------------------------------------
// Helper functions
// -----------------------------------------------------------------------------

func secondsOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
