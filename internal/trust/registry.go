// Package trust maintains per-entity trust state: a 0-1000 score, the
// derived 0-4 level band, an observation-tier ceiling, velocity caps on
// score movement, and background decay.
package trust

import (
	"log"
	"sync"
	"time"
)

// Tier is the observation tier, which caps how high a score may climb.
type Tier string

const (
	TierBlackBox Tier = "black_box"
	TierGrayBox  Tier = "gray_box"
	TierWhiteBox Tier = "white_box"
	TierAttested Tier = "attested"
	TierVerified Tier = "verified"
)

const maxScore = 1000

// tierCeilings as fractions of the full scale.
var tierCeilings = map[Tier]int{
	TierBlackBox: 600,
	TierGrayBox:  750,
	TierWhiteBox: 900,
	TierAttested: 950,
	TierVerified: 1000,
}

// LevelForScore maps a score to its trust band.
// 0: 0-199, 1: 200-399, 2: 400-599, 3: 600-799, 4: 800-1000.
func LevelForScore(score int) int {
	switch {
	case score < 200:
		return 0
	case score < 400:
		return 1
	case score < 600:
		return 2
	case score < 800:
		return 3
	default:
		return 4
	}
}

// VelocityCaps bound how fast a score may move.
type VelocityCaps struct {
	MaxPerUpdate int
	MaxPerHour   int
	MaxPerDay    int
}

// DefaultVelocityCaps keep single verdicts from swinging trust wildly.
var DefaultVelocityCaps = VelocityCaps{
	MaxPerUpdate: 100,
	MaxPerHour:   200,
	MaxPerDay:    400,
}

// Snapshot is the read view of an entity's trust state.
type Snapshot struct {
	EntityID  string    `json:"entity_id"`
	Score     int       `json:"score"`
	Level     int       `json:"level"`
	Tier      Tier      `json:"tier"`
	Ceiling   int       `json:"ceiling"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entity struct {
	score     int
	tier      Tier
	updatedAt time.Time
	// movement bookkeeping for the hour/day caps
	deltas []delta
}

type delta struct {
	at     time.Time
	amount int // absolute movement
}

// Registry stores trust state for all sighted entities. Entities are created
// implicitly on first access and never destroyed.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*entity

	defaultScore int
	caps         VelocityCaps
	logger       *log.Logger
	now          func() time.Time
}

// NewRegistry creates a registry. New entities start at defaultScore under
// the gray-box tier.
func NewRegistry(defaultScore int, caps VelocityCaps) *Registry {
	if defaultScore < 0 {
		defaultScore = 0
	}
	if defaultScore > maxScore {
		defaultScore = maxScore
	}
	if caps.MaxPerUpdate <= 0 {
		caps = DefaultVelocityCaps
	}
	return &Registry{
		entities:     make(map[string]*entity),
		defaultScore: defaultScore,
		caps:         caps,
		logger:       log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) get(entityID string) *entity {
	if e, ok := r.entities[entityID]; ok {
		return e
	}
	e := &entity{
		score:     clampScore(r.defaultScore, tierCeilings[TierGrayBox]),
		tier:      TierGrayBox,
		updatedAt: r.now(),
	}
	r.entities[entityID] = e
	return e
}

// Get returns the entity's trust snapshot, creating it on first sighting.
func (r *Registry) Get(entityID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(entityID)
	return Snapshot{
		EntityID:  entityID,
		Score:     e.score,
		Level:     LevelForScore(e.score),
		Tier:      e.tier,
		Ceiling:   tierCeilings[e.tier],
		UpdatedAt: e.updatedAt,
	}
}

// Level returns just the trust level for an entity.
func (r *Registry) Level(entityID string) int {
	return r.Get(entityID).Level
}

// SetScore seeds an entity's score directly (registration / test fixtures).
// The tier ceiling still applies.
func (r *Registry) SetScore(entityID string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(entityID)
	e.score = clampScore(score, tierCeilings[e.tier])
	e.updatedAt = r.now()
}

// SetTier changes the observation tier; the score is clamped down to the
// new ceiling immediately.
func (r *Registry) SetTier(entityID string, tier Tier) {
	if _, ok := tierCeilings[tier]; !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(entityID)
	e.tier = tier
	if ceiling := tierCeilings[tier]; e.score > ceiling {
		e.score = ceiling
	}
	e.updatedAt = r.now()
}

// Adjust applies a signed trust impact, clamped by the per-update, per-hour
// and per-day velocity caps, the tier ceiling, and the [0,1000] scale.
// Returns the score actually applied.
func (r *Registry) Adjust(entityID string, impact int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(entityID)
	now := r.now()

	allowed := r.remainingBudget(e, now)
	amount := impact
	if abs(amount) > r.caps.MaxPerUpdate {
		amount = sign(amount) * r.caps.MaxPerUpdate
	}
	if abs(amount) > allowed {
		amount = sign(amount) * allowed
	}

	before := e.score
	e.score = clampScore(e.score+amount, tierCeilings[e.tier])
	moved := abs(e.score - before)
	if moved > 0 {
		e.deltas = append(e.deltas, delta{at: now, amount: moved})
	}
	e.updatedAt = now

	if before != e.score {
		r.logger.Printf("entity=%s impact=%d applied=%d score=%d level=%d",
			entityID, impact, e.score-before, e.score, LevelForScore(e.score))
	}
	return e.score
}

// remainingBudget computes how much absolute movement the hour/day caps
// still allow. Caller holds the lock.
func (r *Registry) remainingBudget(e *entity, now time.Time) int {
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	var hourUsed, dayUsed int
	kept := e.deltas[:0]
	for _, d := range e.deltas {
		if d.at.After(dayAgo) {
			kept = append(kept, d)
			dayUsed += d.amount
			if d.at.After(hourAgo) {
				hourUsed += d.amount
			}
		}
	}
	e.deltas = kept

	hourLeft := r.caps.MaxPerHour - hourUsed
	dayLeft := r.caps.MaxPerDay - dayUsed
	left := hourLeft
	if dayLeft < left {
		left = dayLeft
	}
	if left < 0 {
		left = 0
	}
	return left
}

// Decay reduces every entity's score by rate points. Never drops below zero.
// Called by the decay scheduler once per period.
func (r *Registry) Decay(rate int) {
	if rate <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, e := range r.entities {
		if e.score == 0 {
			continue
		}
		e.score -= rate
		if e.score < 0 {
			e.score = 0
		}
		e.updatedAt = now
	}
}

// StartDecay runs Decay(rate) every interval until the stop channel closes.
// Returns the stop function.
func (r *Registry) StartDecay(rate int, interval time.Duration) func() {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Decay(rate)
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Count returns how many entities have been sighted.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

func clampScore(score, ceiling int) int {
	if score < 0 {
		return 0
	}
	if score > ceiling {
		return ceiling
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}
