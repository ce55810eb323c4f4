// Package circuit implements the system-wide halt layer. One breaker guards
// the whole gateway: rolling five-minute metrics trip it open, an auto-reset
// deadline moves it to half-open, and three clean probes close it again.
// A per-entity overlay halts individual entities (and their registered
// children) independently of breaker state.
package circuit

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Everything denied until auto-reset
	StateHalfOpen              // Probes admitted, success counter running
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrEntityHalted = errors.New("entity is halted")
)

// Config holds breaker thresholds. Zero values take the contractual defaults.
type Config struct {
	MetricsWindow      time.Duration // rolling window, default 5m
	ResetTimeout       time.Duration // open -> half-open, default 300s
	MinRequests        int           // high-risk ratio needs this many, default 10
	HighRiskRatio      float64       // trip above this ratio, default 0.10
	HighRiskThreshold  float64       // risk_score considered high, default 0.7
	TripwireThreshold  int           // tripwires in window, default 3
	InjectionThreshold int           // injection attempts in window, default 2
	CriticBlockLimit   int           // critic blocks in window, default 5
	ProbeSuccesses     int           // half-open closes after this many, default 3
	ViolationHaltLimit int           // per-entity violations before halt, default 10
}

func (c *Config) applyDefaults() {
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = 5 * time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 300 * time.Second
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 10
	}
	if c.HighRiskRatio <= 0 {
		c.HighRiskRatio = 0.10
	}
	if c.HighRiskThreshold <= 0 {
		c.HighRiskThreshold = 0.7
	}
	if c.TripwireThreshold <= 0 {
		c.TripwireThreshold = 3
	}
	if c.InjectionThreshold <= 0 {
		c.InjectionThreshold = 2
	}
	if c.CriticBlockLimit <= 0 {
		c.CriticBlockLimit = 5
	}
	if c.ProbeSuccesses <= 0 {
		c.ProbeSuccesses = 3
	}
	if c.ViolationHaltLimit <= 0 {
		c.ViolationHaltLimit = 10
	}
}

// Metrics are the rolling counts inside the current window.
type Metrics struct {
	WindowStart       time.Time `json:"window_start"`
	TotalRequests     int       `json:"total_requests"`
	HighRiskRequests  int       `json:"high_risk_requests"`
	TripwireTriggers  int       `json:"tripwire_triggers"`
	InjectionAttempts int       `json:"injection_attempts"`
	CriticBlocks      int       `json:"critic_blocks"`
}

// TripRecord captures why the breaker opened.
type TripRecord struct {
	Reason   string    `json:"reason"`
	EntityID string    `json:"entity_id,omitempty"`
	TrippedAt time.Time `json:"tripped_at"`
	ResetAt  time.Time `json:"reset_at"`
}

// Breaker is the system-wide circuit breaker with a per-entity halt overlay.
// One mutex covers state, metrics, trip history, halted set, and cascade map;
// it is only ever held for O(1) work.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state          State
	resetDeadline  time.Time
	probeSuccesses int

	metrics Metrics
	trips   []TripRecord

	violations map[string]int
	halted     map[string]bool
	children   map[string][]string // parent -> registered children

	logger *log.Logger
	now    func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{
		cfg:        cfg,
		state:      StateClosed,
		violations: make(map[string]int),
		halted:     make(map[string]bool),
		children:   make(map[string][]string),
		logger:     log.New(log.Writer(), "[CIRCUIT] ", log.LstdFlags),
		now:        time.Now,
	}
	b.metrics.WindowStart = b.now()
	return b
}

// SetClock overrides the time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// AllowRequest decides whether a request for the entity may proceed.
// Passing the auto-reset deadline flips Open to Half-Open here, on the
// next admission attempt.
func (b *Breaker) AllowRequest(entityID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halted[entityID] {
		return ErrEntityHalted
	}

	switch b.state {
	case StateOpen:
		if b.now().Before(b.resetDeadline) {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		return nil
	default:
		return nil
	}
}

// Observation is what the orchestrator reports after each request.
type Observation struct {
	EntityID        string
	RiskScore       float64
	TripwireTrigger bool
	Injection       bool
	CriticBlock     bool
	Blocked         bool // the request ended in a deny/block
}

// RecordRequest folds an observation into the rolling metrics and evaluates
// the trip conditions (Closed) or the probe counter (Half-Open).
func (b *Breaker) RecordRequest(obs Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollWindow(now)

	b.metrics.TotalRequests++
	if obs.RiskScore >= b.cfg.HighRiskThreshold {
		b.metrics.HighRiskRequests++
	}
	if obs.TripwireTrigger {
		b.metrics.TripwireTriggers++
	}
	if obs.Injection {
		b.metrics.InjectionAttempts++
	}
	if obs.CriticBlock {
		b.metrics.CriticBlocks++
	}

	switch b.state {
	case StateClosed:
		if reason := b.tripReason(); reason != "" {
			b.trip(reason, obs.EntityID, now)
		}
	case StateHalfOpen:
		// Blocked probes stay admitted (the denial was policy-level) but
		// do not advance the success counter.
		if obs.Blocked {
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.ProbeSuccesses {
			b.setState(StateClosed)
		}
	}
}

// tripReason evaluates the four trip conditions. Caller holds the lock.
func (b *Breaker) tripReason() string {
	m := b.metrics
	if m.TotalRequests >= b.cfg.MinRequests {
		ratio := float64(m.HighRiskRequests) / float64(m.TotalRequests)
		if ratio > b.cfg.HighRiskRatio {
			return "high_risk_ratio"
		}
	}
	if m.TripwireTriggers >= b.cfg.TripwireThreshold {
		return "tripwire_frequency"
	}
	if m.InjectionAttempts >= b.cfg.InjectionThreshold {
		return "injection_attempts"
	}
	if m.CriticBlocks >= b.cfg.CriticBlockLimit {
		return "critic_blocks"
	}
	return ""
}

func (b *Breaker) trip(reason, entityID string, now time.Time) {
	b.resetDeadline = now.Add(b.cfg.ResetTimeout)
	b.trips = append(b.trips, TripRecord{
		Reason:    reason,
		EntityID:  entityID,
		TrippedAt: now,
		ResetAt:   b.resetDeadline,
	})
	b.setState(StateOpen)
	b.logger.Printf("tripped: reason=%s entity=%s reset_at=%s",
		reason, entityID, b.resetDeadline.Format(time.RFC3339))
}

// setState transitions and resets per-state counters. Caller holds the lock.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.probeSuccesses = 0
	if next == StateClosed {
		b.metrics = Metrics{WindowStart: b.now()}
	}
	b.logger.Printf("state change: %s -> %s", prev, next)
}

// rollWindow resets metrics once the window expires. Caller holds the lock.
func (b *Breaker) rollWindow(now time.Time) {
	if now.Sub(b.metrics.WindowStart) >= b.cfg.MetricsWindow {
		b.metrics = Metrics{WindowStart: now}
	}
}

// RecordViolation increments the entity's violation counter (velocity
// violations feed this) and halts the entity at the configured threshold.
// Halting a parent halts its registered children atomically.
func (b *Breaker) RecordViolation(entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.violations[entityID]++
	if b.violations[entityID] >= b.cfg.ViolationHaltLimit && !b.halted[entityID] {
		b.haltLocked(entityID)
		return true
	}
	return false
}

// HaltEntity force-halts an entity and its registered children.
func (b *Breaker) HaltEntity(entityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.haltLocked(entityID)
}

func (b *Breaker) haltLocked(entityID string) {
	b.halted[entityID] = true
	for _, child := range b.children[entityID] {
		b.halted[child] = true
	}
	b.logger.Printf("entity halted: %s (children=%d)", entityID, len(b.children[entityID]))
}

// UnhaltEntity clears the halt flag and violation counter.
func (b *Breaker) UnhaltEntity(entityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.halted, entityID)
	delete(b.violations, entityID)
}

// RegisterChild links a child to a parent for cascade halts. Registration
// must happen before the halt to take effect.
func (b *Breaker) RegisterChild(parentID, childID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.children[parentID] = append(b.children[parentID], childID)
}

// IsHalted reports the entity's halt flag.
func (b *Breaker) IsHalted(entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted[entityID]
}

// Reset force-closes the breaker. Operator action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the state, rolling metrics, and trip history for the
// admin surface.
func (b *Breaker) Snapshot() (State, Metrics, []TripRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	trips := make([]TripRecord, len(b.trips))
	copy(trips, b.trips)
	return b.state, b.metrics, trips
}
