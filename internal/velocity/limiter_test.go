package velocity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter()
	l.SetClock(clock.now)
	return l, clock
}

func TestCheck_BurstTierLevelZero(t *testing.T) {
	l, _ := newTestLimiter()

	// Level 0 allows 2 per second.
	for i := 0; i < 2; i++ {
		res := l.Check("agent_x", 0)
		require.True(t, res.Allowed, "request %d should pass", i)
		l.Record("agent_x")
	}

	res := l.Check("agent_x", 0)
	assert.False(t, res.Allowed)
	assert.Equal(t, TierBurst, res.Tier)
	assert.Equal(t, 2, res.Limit)
	assert.LessOrEqual(t, res.RetryAfterSeconds, 1.0)
}

func TestCheck_BurstOfSixFirstTwoAllowed(t *testing.T) {
	l, _ := newTestLimiter()

	allowed, denied := 0, 0
	for i := 0; i < 6; i++ {
		res := l.Check("agent_burst", 0)
		if res.Allowed {
			allowed++
			l.Record("agent_burst")
		} else {
			denied++
			assert.Equal(t, TierBurst, res.Tier)
		}
	}
	assert.Equal(t, 2, allowed)
	assert.Equal(t, 4, denied)
}

func TestCheck_WindowEdgeExcluded(t *testing.T) {
	l, clock := newTestLimiter()

	l.Record("agent_edge")
	l.Record("agent_edge")

	// Exactly one window later the old events no longer count.
	clock.advance(time.Second)
	res := l.Check("agent_edge", 0)
	assert.True(t, res.Allowed, "events exactly window-old must be excluded")
}

func TestCheck_SustainedTier(t *testing.T) {
	l, clock := newTestLimiter()

	// Level 0: 10 per minute. Spread records so the burst tier never fires.
	for i := 0; i < 10; i++ {
		l.Record("agent_s")
		clock.advance(2 * time.Second)
	}

	res := l.Check("agent_s", 0)
	require.False(t, res.Allowed)
	assert.Equal(t, TierSustained, res.Tier)
	assert.Equal(t, 10, res.Limit)
	assert.Greater(t, res.RetryAfterSeconds, 0.0)
	assert.LessOrEqual(t, res.RetryAfterSeconds, 60.0)
}

func TestCheck_HigherTrustGetsHigherLimits(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Record("agent_l2")
	}

	// 5 in one second: over level 0's burst (2), within level 2's (10).
	assert.False(t, l.Check("agent_l2", 0).Allowed)
	assert.True(t, l.Check("agent_l2", 2).Allowed)
}

func TestLimitsFor_MonotonicAcrossLevels(t *testing.T) {
	for lvl := 1; lvl <= 4; lvl++ {
		prev := LimitsFor(lvl - 1)
		cur := LimitsFor(lvl)
		for tier := 0; tier < 4; tier++ {
			assert.Greater(t, cur[tier].Max, prev[tier].Max,
				"level %d tier %d should exceed level %d", lvl, tier, lvl-1)
		}
	}
}

func TestThrottle_AlwaysDeniesUntilDeadline(t *testing.T) {
	l, clock := newTestLimiter()

	deadline := clock.now().Add(30 * time.Second)
	l.Throttle("agent_t", deadline)

	res := l.Check("agent_t", 4)
	require.False(t, res.Allowed)
	assert.Equal(t, TierThrottled, res.Tier)
	assert.InDelta(t, 30.0, res.RetryAfterSeconds, 0.01)

	clock.advance(31 * time.Second)
	assert.True(t, l.Check("agent_t", 4).Allowed)
}

func TestUnthrottle_ClearsEarly(t *testing.T) {
	l, clock := newTestLimiter()
	l.Throttle("agent_u", clock.now().Add(time.Hour))
	require.False(t, l.Check("agent_u", 0).Allowed)

	l.Unthrottle("agent_u")
	assert.True(t, l.Check("agent_u", 0).Allowed)
}

func TestRecord_PrunesEntriesOlderThanADay(t *testing.T) {
	l, clock := newTestLimiter()

	l.Record("agent_p")
	clock.advance(25 * time.Hour)
	l.Record("agent_p")

	assert.Equal(t, 1, l.CountInWindow("agent_p", 24*time.Hour))
}

func TestCheck_IsolatedPerEntity(t *testing.T) {
	l, _ := newTestLimiter()

	l.Record("agent_a")
	l.Record("agent_a")

	assert.False(t, l.Check("agent_a", 0).Allowed)
	assert.True(t, l.Check("agent_b", 0).Allowed)
}

func TestCheck_CountsNeverExceedTable(t *testing.T) {
	// For any admitted sequence, in-window counts stay at or below the
	// table limit for the level in force at check time.
	l, clock := newTestLimiter()
	limits := LimitsFor(1)

	for i := 0; i < 200; i++ {
		if l.Check("agent_seq", 1).Allowed {
			l.Record("agent_seq")
		}
		assert.LessOrEqual(t, l.CountInWindow("agent_seq", limits[0].Window), limits[0].Max)
		assert.LessOrEqual(t, l.CountInWindow("agent_seq", limits[1].Window), limits[1].Max)
		clock.advance(100 * time.Millisecond)
	}
}
