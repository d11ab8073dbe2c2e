package utils

import (
	"testing"
	"time"

	"market-streamer/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock(t *testing.T, holidays ...string) *SessionClock {
	t.Helper()
	sc, err := NewSessionClock(models.MSessionConfig{
		Timezone:           "Asia/Kolkata",
		Holidays:           holidays,
		PreOpenStart:       "09:00",
		AuctionStart:       "09:08",
		LiveStart:          "09:15",
		LiveEnd:            "15:30",
		ConnectLeadMinutes: 15,
	})
	require.NoError(t, err)
	return sc
}

func ist(t *testing.T, day, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return time.Date(2026, time.October, day, hour, minute, 0, 0, loc)
}

func TestPhaseScenario(t *testing.T) {
	sc := testClock(t)

	assert.Equal(t, models.PhaseClosed, sc.Phase(ist(t, 17, 12, 0)), "Saturday")
	assert.Equal(t, models.PhaseClosed, sc.Phase(ist(t, 18, 12, 0)), "Sunday")
	assert.Equal(t, models.PhasePreOpen, sc.Phase(ist(t, 19, 9, 5)))
	assert.Equal(t, models.PhaseAuctionFreeze, sc.Phase(ist(t, 19, 9, 10)))
	assert.Equal(t, models.PhaseLive, sc.Phase(ist(t, 19, 12, 0)))
	assert.Equal(t, models.PhaseClosed, sc.Phase(ist(t, 19, 16, 0)))
}

func TestPhaseHolidayIsClosed(t *testing.T) {
	sc := testClock(t, "2026-10-20")

	for hour := 0; hour < 24; hour++ {
		assert.Equal(t, models.PhaseClosed, sc.Phase(ist(t, 20, hour, 30)))
	}
	assert.Equal(t, models.PhaseLive, sc.Phase(ist(t, 21, 10, 0)))
}

func TestPhaseWindowsAreContiguous(t *testing.T) {
	sc := testClock(t)
	start := ist(t, 19, 0, 0)

	order := []models.SessionPhase{
		models.PhaseClosed, models.PhasePreOpen, models.PhaseAuctionFreeze, models.PhaseLive, models.PhaseClosed,
	}
	seen := []models.SessionPhase{sc.Phase(start)}
	for s := 0; s < 24*3600; s += 30 {
		p := sc.Phase(start.Add(time.Duration(s) * time.Second))
		if p != seen[len(seen)-1] {
			seen = append(seen, p)
		}
	}
	// Each window appears exactly once and in order
	assert.Equal(t, order, seen)
}

func TestPhaseBoundaries(t *testing.T) {
	sc := testClock(t)

	assert.Equal(t, models.PhaseClosed, sc.Phase(ist(t, 19, 8, 59)))
	assert.Equal(t, models.PhasePreOpen, sc.Phase(ist(t, 19, 9, 0)))
	assert.Equal(t, models.PhaseAuctionFreeze, sc.Phase(ist(t, 19, 9, 8)))
	assert.Equal(t, models.PhaseLive, sc.Phase(ist(t, 19, 9, 15)))
	assert.Equal(t, models.PhaseLive, sc.Phase(ist(t, 19, 15, 29)))
	assert.Equal(t, models.PhaseClosed, sc.Phase(ist(t, 19, 15, 30)))
}

func TestPhaseZeroTimeFailsSafe(t *testing.T) {
	sc := testClock(t)
	assert.Equal(t, models.PhaseClosed, sc.Phase(time.Time{}))
	assert.Equal(t, int64(0), sc.SecondsUntilNextPhase(time.Time{}))
	assert.False(t, sc.InConnectWindow(time.Time{}))
}

func TestPhaseAcceptsOtherZones(t *testing.T) {
	sc := testClock(t)
	// 06:30 UTC is 12:00 IST
	utc := time.Date(2026, time.October, 19, 6, 30, 0, 0, time.UTC)
	assert.Equal(t, models.PhaseLive, sc.Phase(utc))
}

func TestSecondsUntilNextPhase(t *testing.T) {
	sc := testClock(t)

	assert.Equal(t, int64(3*60), sc.SecondsUntilNextPhase(ist(t, 19, 9, 5)))
	assert.Equal(t, int64(5*60), sc.SecondsUntilNextPhase(ist(t, 19, 9, 10)))
	assert.Equal(t, int64((3*60+30)*60), sc.SecondsUntilNextPhase(ist(t, 19, 12, 0)))

	// Friday evening rolls over the weekend to Monday pre-open
	next, phase := sc.NextPhaseChange(ist(t, 23, 16, 0))
	assert.Equal(t, models.PhasePreOpen, phase)
	assert.True(t, next.Equal(ist(t, 26, 9, 0)))
}

func TestNextPhaseSkipsHoliday(t *testing.T) {
	sc := testClock(t, "2026-10-20")
	next, phase := sc.NextPhaseChange(ist(t, 19, 18, 0))
	assert.Equal(t, models.PhasePreOpen, phase)
	assert.True(t, next.Equal(ist(t, 21, 9, 0)))
}

func TestInConnectWindow(t *testing.T) {
	sc := testClock(t)

	assert.False(t, sc.InConnectWindow(ist(t, 19, 8, 59)))
	assert.True(t, sc.InConnectWindow(ist(t, 19, 9, 0)))
	assert.True(t, sc.InConnectWindow(ist(t, 19, 13, 0)))
	assert.False(t, sc.InConnectWindow(ist(t, 19, 15, 30)))
	assert.False(t, sc.InConnectWindow(ist(t, 17, 10, 0)))
}

func TestTradingDateAndAfterLive(t *testing.T) {
	sc := testClock(t)
	assert.Equal(t, "2026-10-19", sc.TradingDate(ist(t, 19, 23, 59)))
	assert.True(t, sc.IsAfterLive(ist(t, 19, 15, 45)))
	assert.False(t, sc.IsAfterLive(ist(t, 19, 15, 0)))
}

func TestNewSessionClockRejectsBadBounds(t *testing.T) {
	_, err := NewSessionClock(models.MSessionConfig{
		Timezone: "Asia/Kolkata", PreOpenStart: "09:00", AuctionStart: "09:08", LiveStart: "09:05", LiveEnd: "15:30",
	})
	assert.Error(t, err)

	_, err = NewSessionClock(models.MSessionConfig{
		Timezone: "Mars/Olympus", PreOpenStart: "09:00", AuctionStart: "09:08", LiveStart: "09:15", LiveEnd: "15:30",
	})
	assert.Error(t, err)
}
