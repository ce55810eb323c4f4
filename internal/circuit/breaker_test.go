package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(Config{})
	b.SetClock(clock.now)
	return b, clock
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.AllowRequest("agent_1"))
}

func TestBreaker_HighRiskRatioTrip(t *testing.T) {
	b, _ := newTestBreaker()

	// Trip boundary: the ratio must strictly exceed 10% at min window size.
	// 9 clean + 1 high-risk with 10 total gives 10% (no trip); we need >10%.
	for i := 0; i < 9; i++ {
		b.RecordRequest(Observation{EntityID: "a", RiskScore: 0.1})
	}
	b.RecordRequest(Observation{EntityID: "a", RiskScore: 0.9})
	assert.Equal(t, StateClosed, b.State(), "exactly 10%% high-risk must not trip")

	// The 11th request, also high-risk: 2/11 > 10%.
	b.RecordRequest(Observation{EntityID: "a", RiskScore: 0.9})
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_TripwireFrequencyTrip(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordRequest(Observation{EntityID: "a", TripwireTrigger: true})
	b.RecordRequest(Observation{EntityID: "a", TripwireTrigger: true})
	assert.Equal(t, StateClosed, b.State())

	b.RecordRequest(Observation{EntityID: "a", TripwireTrigger: true})
	require.Equal(t, StateOpen, b.State())

	_, _, trips := b.Snapshot()
	require.Len(t, trips, 1)
	assert.Equal(t, "tripwire_frequency", trips[0].Reason)
	assert.Equal(t, "a", trips[0].EntityID)
}

func TestBreaker_InjectionTrip(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordRequest(Observation{Injection: true})
	b.RecordRequest(Observation{Injection: true})
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CriticBlockTrip(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.RecordRequest(Observation{CriticBlock: true})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenDeniesEverything(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordRequest(Observation{TripwireTrigger: true})
	}
	require.Equal(t, StateOpen, b.State())

	clock.advance(10 * time.Second)
	assert.ErrorIs(t, b.AllowRequest("agent_1"), ErrCircuitOpen)
	assert.ErrorIs(t, b.AllowRequest("agent_2"), ErrCircuitOpen)
}

func TestBreaker_AutoResetToHalfOpen(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordRequest(Observation{TripwireTrigger: true})
	}
	require.Equal(t, StateOpen, b.State())

	// Once the reset deadline elapses, the next admission flips to
	// half-open and is admitted.
	clock.advance(301 * time.Second)
	assert.NoError(t, b.AllowRequest("agent_1"))
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterThreeCleanProbes(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordRequest(Observation{TripwireTrigger: true})
	}
	clock.advance(301 * time.Second)
	require.NoError(t, b.AllowRequest("probe"))
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordRequest(Observation{EntityID: "probe"})
	b.RecordRequest(Observation{EntityID: "probe"})
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordRequest(Observation{EntityID: "probe"})
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_BlockedProbeDoesNotAdvanceCounter(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordRequest(Observation{TripwireTrigger: true})
	}
	clock.advance(301 * time.Second)
	require.NoError(t, b.AllowRequest("probe"))

	b.RecordRequest(Observation{EntityID: "probe"})
	b.RecordRequest(Observation{EntityID: "probe", Blocked: true})
	b.RecordRequest(Observation{EntityID: "probe"})
	assert.Equal(t, StateHalfOpen, b.State(), "blocked probe must not count toward closing")

	b.RecordRequest(Observation{EntityID: "probe"})
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_WindowExpiryResetsMetrics(t *testing.T) {
	b, clock := newTestBreaker()
	b.RecordRequest(Observation{TripwireTrigger: true})
	b.RecordRequest(Observation{TripwireTrigger: true})

	clock.advance(6 * time.Minute)
	b.RecordRequest(Observation{TripwireTrigger: true})
	assert.Equal(t, StateClosed, b.State(), "old window's triggers must not accumulate")
}

func TestBreaker_ViolationHaltAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 9; i++ {
		assert.False(t, b.RecordViolation("agent_v"))
	}
	assert.True(t, b.RecordViolation("agent_v"))
	assert.ErrorIs(t, b.AllowRequest("agent_v"), ErrEntityHalted)

	// Other entities unaffected, breaker still closed.
	assert.NoError(t, b.AllowRequest("agent_other"))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CascadeHalt(t *testing.T) {
	b, _ := newTestBreaker()
	b.RegisterChild("parent", "child_1")
	b.RegisterChild("parent", "child_2")

	b.HaltEntity("parent")
	assert.True(t, b.IsHalted("child_1"))
	assert.True(t, b.IsHalted("child_2"))
	assert.ErrorIs(t, b.AllowRequest("child_1"), ErrEntityHalted)
}

func TestBreaker_UnhaltClearsViolations(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 10; i++ {
		b.RecordViolation("agent_v")
	}
	require.True(t, b.IsHalted("agent_v"))

	b.UnhaltEntity("agent_v")
	assert.NoError(t, b.AllowRequest("agent_v"))
	// Counter restarts from zero.
	assert.False(t, b.RecordViolation("agent_v"))
}

func TestBreaker_ManualReset(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordRequest(Observation{TripwireTrigger: true})
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.AllowRequest("agent_1"))
}
