// Package velocity enforces per-entity multi-window rate limits. Each trust
// level gets four tiers: a one-second burst, a sustained minute, an hourly
// budget, and a daily budget. The first violated tier is reported.
package velocity

import (
	"log"
	"sync"
	"time"
)

// Tier labels, checked in order.
const (
	TierBurst     = "L0_burst"
	TierSustained = "L1_sustained"
	TierHourly    = "L2_hourly"
	TierDaily     = "L2_daily"
	TierThrottled = "manual_throttle"
)

// Limit is one (max actions, window) pair.
type Limit struct {
	Max    int
	Window time.Duration
}

// limitTable maps trust level -> the four tiers. Limits scale monotonically
// with trust.
var limitTable = map[int][4]Limit{
	0: {{2, time.Second}, {10, time.Minute}, {50, time.Hour}, {200, 24 * time.Hour}},
	1: {{5, time.Second}, {30, time.Minute}, {200, time.Hour}, {1000, 24 * time.Hour}},
	2: {{10, time.Second}, {60, time.Minute}, {500, time.Hour}, {5000, 24 * time.Hour}},
	3: {{20, time.Second}, {120, time.Minute}, {2000, time.Hour}, {20000, 24 * time.Hour}},
	4: {{50, time.Second}, {300, time.Minute}, {10000, time.Hour}, {100000, 24 * time.Hour}},
}

var tierLabels = [4]string{TierBurst, TierSustained, TierHourly, TierDaily}

// Result is the outcome of a limiter check.
type Result struct {
	Allowed           bool    `json:"allowed"`
	Tier              string  `json:"tier,omitempty"`
	Limit             int     `json:"limit,omitempty"`
	WindowLabel       string  `json:"window,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

type entityState struct {
	mu            sync.Mutex
	timestamps    []time.Time // append-only within retention, pruned to 1 day
	throttledTill time.Time
}

// Limiter tracks recent action timestamps per entity. All operations on one
// entity are serialized under that entity's lock, so observed order within
// an entity matches wall-clock order.
type Limiter struct {
	mu       sync.RWMutex
	entities map[string]*entityState
	logger   *log.Logger
	now      func() time.Time
}

// NewLimiter creates a limiter with real time.
func NewLimiter() *Limiter {
	return &Limiter{
		entities: make(map[string]*entityState),
		logger:   log.New(log.Writer(), "[VELOCITY] ", log.LstdFlags),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

func (l *Limiter) state(entityID string) *entityState {
	l.mu.RLock()
	st, ok := l.entities[entityID]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.entities[entityID]; ok {
		return st
	}
	st = &entityState{}
	l.entities[entityID] = st
	return st
}

// LimitsFor returns the tier table row for a trust level. Unknown levels
// clamp to the nearest band.
func LimitsFor(trustLevel int) [4]Limit {
	if trustLevel < 0 {
		trustLevel = 0
	}
	if trustLevel > 4 {
		trustLevel = 4
	}
	return limitTable[trustLevel]
}

// Check evaluates the entity against its trust level's tiers, L0 first.
// It does not record; call Record after a verdict is produced so denied
// requests never consume budget partially.
func (l *Limiter) Check(entityID string, trustLevel int) Result {
	st := l.state(entityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()

	if !st.throttledTill.IsZero() {
		if now.Before(st.throttledTill) {
			return Result{
				Allowed:           false,
				Tier:              TierThrottled,
				RetryAfterSeconds: st.throttledTill.Sub(now).Seconds(),
			}
		}
		st.throttledTill = time.Time{}
	}

	st.prune(now)

	limits := LimitsFor(trustLevel)
	for i, lim := range limits {
		count, oldest := st.countInWindow(now, lim.Window)
		if count >= lim.Max {
			retry := oldest.Add(lim.Window).Sub(now).Seconds()
			if retry < 0 {
				retry = 0
			}
			l.logger.Printf("limit exceeded: entity=%s tier=%s count=%d limit=%d",
				entityID, tierLabels[i], count, lim.Max)
			return Result{
				Allowed:           false,
				Tier:              tierLabels[i],
				Limit:             lim.Max,
				WindowLabel:       lim.Window.String(),
				RetryAfterSeconds: retry,
			}
		}
	}

	return Result{Allowed: true}
}

// Record appends an action timestamp for the entity.
func (l *Limiter) Record(entityID string) {
	st := l.state(entityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.timestamps = append(st.timestamps, now)
	st.prune(now)
}

// Throttle blocks the entity until the given deadline regardless of tier
// budgets. Operator action; cleared automatically once the deadline passes.
func (l *Limiter) Throttle(entityID string, until time.Time) {
	st := l.state(entityID)
	st.mu.Lock()
	st.throttledTill = until
	st.mu.Unlock()
	l.logger.Printf("entity %s throttled until %s", entityID, until.Format(time.RFC3339))
}

// Unthrottle clears a manual throttle early.
func (l *Limiter) Unthrottle(entityID string) {
	st := l.state(entityID)
	st.mu.Lock()
	st.throttledTill = time.Time{}
	st.mu.Unlock()
}

// CountInWindow reports how many recorded actions fall inside the window
// ending now. Read accessor for tests and stats.
func (l *Limiter) CountInWindow(entityID string, window time.Duration) int {
	st := l.state(entityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	count, _ := st.countInWindow(l.now(), window)
	return count
}

// countInWindow returns the in-window count and the oldest in-window
// timestamp. An event exactly `window` old is excluded.
func (st *entityState) countInWindow(now time.Time, window time.Duration) (int, time.Time) {
	cutoff := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, ts := range st.timestamps {
		if ts.After(cutoff) {
			if count == 0 {
				oldest = ts
			}
			count++
		}
	}
	return count, oldest
}

// prune drops timestamps older than the daily window; nothing upstream
// ever needs more history than that.
func (st *entityState) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(st.timestamps) && !st.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.timestamps = append(st.timestamps[:0], st.timestamps[i:]...)
	}
}

// Stats returns limiter-wide counters.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	throttled := 0
	now := l.now()
	for _, st := range l.entities {
		st.mu.Lock()
		total += len(st.timestamps)
		if st.throttledTill.After(now) {
			throttled++
		}
		st.mu.Unlock()
	}
	return map[string]interface{}{
		"tracked_entities":   len(l.entities),
		"recorded_actions":   total,
		"throttled_entities": throttled,
	}
}
