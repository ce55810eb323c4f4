// Package gateway is the orchestrator: it owns the pipeline state and runs
// the two request flows, intent normalization and policy enforcement. No
// component outside this package mutates trust, velocity, circuit, cache or
// ledger state.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/basislabs/basis-gateway/internal/circuit"
	"github.com/basislabs/basis-gateway/internal/core"
	"github.com/basislabs/basis-gateway/internal/critic"
	"github.com/basislabs/basis-gateway/internal/events"
	"github.com/basislabs/basis-gateway/internal/ledger"
	"github.com/basislabs/basis-gateway/internal/monitoring"
	"github.com/basislabs/basis-gateway/internal/planner"
	"github.com/basislabs/basis-gateway/internal/policy"
	"github.com/basislabs/basis-gateway/internal/tripwire"
	"github.com/basislabs/basis-gateway/internal/trust"
	"github.com/basislabs/basis-gateway/internal/velocity"
	"github.com/basislabs/basis-gateway/internal/webhooks"
)

const eventSource = "/v1/enforce"

// Options wires the orchestrator. Critic, Cache, Hooks and Metrics are
// optional; the pipeline degrades gracefully without them.
type Options struct {
	Tripwire  *tripwire.Matcher
	Planner   *planner.Planner
	Critic    *critic.Critic
	Trust     *trust.Registry
	Velocity  *velocity.Limiter
	Breaker   *circuit.Breaker
	Evaluator *policy.Evaluator
	Cache     *policy.VerdictCache
	Ledger    *ledger.Ledger
	Bus       *events.Bus
	Hooks     webhooks.Emitter
	Metrics   *monitoring.Metrics
}

// Gateway executes the defense-in-depth pipeline.
type Gateway struct {
	tripwire  *tripwire.Matcher
	planner   *planner.Planner
	critic    *critic.Critic
	trust     *trust.Registry
	velocity  *velocity.Limiter
	breaker   *circuit.Breaker
	evaluator *policy.Evaluator
	cache     *policy.VerdictCache
	ledger    *ledger.Ledger
	bus       *events.Bus
	hooks     webhooks.Emitter
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New assembles a gateway from its components.
func New(opts Options) *Gateway {
	g := &Gateway{
		tripwire:  opts.Tripwire,
		planner:   opts.Planner,
		critic:    opts.Critic,
		trust:     opts.Trust,
		velocity:  opts.Velocity,
		breaker:   opts.Breaker,
		evaluator: opts.Evaluator,
		cache:     opts.Cache,
		ledger:    opts.Ledger,
		bus:       opts.Bus,
		hooks:     opts.Hooks,
		metrics:   opts.Metrics,
		logger:    slog.Default().With("component", "gateway"),
		now:       time.Now,
	}
	if g.tripwire == nil {
		g.tripwire = tripwire.NewMatcher()
	}
	if g.planner == nil {
		g.planner = planner.New()
	}
	return g
}

// SetClock overrides the time source. Test hook.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// Accessors for the HTTP layer. Read-side only; mutations stay in here.
func (g *Gateway) Trust() *trust.Registry       { return g.trust }
func (g *Gateway) Velocity() *velocity.Limiter  { return g.velocity }
func (g *Gateway) Breaker() *circuit.Breaker    { return g.breaker }
func (g *Gateway) Ledger() *ledger.Ledger       { return g.ledger }
func (g *Gateway) Evaluator() *policy.Evaluator { return g.evaluator }
func (g *Gateway) Cache() *policy.VerdictCache  { return g.cache }

// ===========================================================================
// Intent flow: tripwire -> planner -> critic
// ===========================================================================

// Intent normalizes a goal into a plan, or blocks it.
func (g *Gateway) Intent(ctx context.Context, req core.IntentRequest) *core.IntentResponse {
	start := g.now()

	if hit := g.tripwire.Check(req.Goal); hit.Triggered {
		return g.blockIntent(req, hit, start)
	}

	plan := g.planner.Plan(req.EntityID, req.Goal)
	snap := g.trust.Get(req.EntityID)

	resp := &core.IntentResponse{
		IntentID:   plan.IntentID,
		Status:     core.StatusNormalized,
		Plan:       plan,
		TrustScore: snap.Score,
		TrustLevel: snap.Level,
	}

	if g.critic != nil && critic.ShouldReview(plan) {
		verdict := g.critic.Review(ctx, plan)
		resp.Critic = verdict
		if g.metrics != nil {
			g.metrics.CriticReviews.WithLabelValues(string(verdict.Judgment)).Inc()
			g.metrics.CriticLatency.Observe(float64(verdict.LatencyMs) / 1000)
			if verdict.Fallback {
				g.metrics.CriticFallbacks.Inc()
			}
		}

		plan = critic.Apply(plan, verdict)
		resp.Plan = plan

		if verdict.Judgment == core.JudgmentBlock {
			plan.RiskScore = 1.0
			resp.Status = core.StatusBlocked
			resp.BlockedBy = "critic"
			resp.BlockReason = verdict.Reasoning
			resp.TrustScore = 0
			resp.TrustLevel = 0
			g.observe(circuit.Observation{
				EntityID:    req.EntityID,
				RiskScore:   plan.RiskScore,
				CriticBlock: true,
				Blocked:     true,
			})
			g.emit(events.TypeIntentBlocked, req.EntityID, map[string]interface{}{
				"intent_id": plan.IntentID,
				"reason":    "critic",
			})
			g.emitHook(webhooks.EventIntentBlocked, req.EntityID, map[string]interface{}{
				"intent_id": plan.IntentID,
				"reason":    "critic",
			})
		}
	}

	if resp.Status == core.StatusNormalized {
		g.emit(events.TypeIntentNormalized, req.EntityID, map[string]interface{}{
			"intent_id":  resp.Plan.IntentID,
			"plan_id":    resp.Plan.PlanID,
			"risk_score": resp.Plan.RiskScore,
		})
	}

	resp.DurationMs = g.now().Sub(start).Milliseconds()
	resp.CompletedAt = g.now().UTC()
	return resp
}

// observe feeds the breaker and surfaces state transitions. The breaker
// cannot emit these itself: it would have to call out while holding its lock.
func (g *Gateway) observe(obs circuit.Observation) {
	before := g.breaker.State()
	g.breaker.RecordRequest(obs)
	after := g.breaker.State()
	if after == before {
		return
	}

	switch after {
	case circuit.StateOpen:
		reason := "unknown"
		if _, _, trips := g.breaker.Snapshot(); len(trips) > 0 {
			reason = trips[len(trips)-1].Reason
		}
		if g.metrics != nil {
			g.metrics.CircuitTrips.WithLabelValues(reason).Inc()
		}
		data := map[string]interface{}{"reason": reason, "entity_id": obs.EntityID}
		g.emit(events.TypeCircuitTripped, obs.EntityID, data)
		g.emitHook(webhooks.EventCircuitTripped, obs.EntityID, data)
	case circuit.StateClosed:
		g.emit(events.TypeCircuitClosed, obs.EntityID, map[string]interface{}{"reason": "probe_successes"})
	}
}

// blockIntent produces the tripwire response: risk forced to 1.0, trust
// fields zeroed regardless of the entity's registered trust.
func (g *Gateway) blockIntent(req core.IntentRequest, hit tripwire.Result, start time.Time) *core.IntentResponse {
	planID, intentID := core.NewLinkedIDs()
	plan := &core.Plan{
		PlanID:         planID,
		IntentID:       intentID,
		EntityID:       req.EntityID,
		Goal:           req.Goal,
		RiskIndicators: map[string]float64{"tripwire_" + hit.PatternName: 1.0},
		RiskScore:      1.0,
		ReasoningTrace: "tripwire: matched " + hit.PatternName,
		CreatedAt:      start.UTC(),
	}

	g.observe(circuit.Observation{
		EntityID:        req.EntityID,
		RiskScore:       1.0,
		TripwireTrigger: true,
		Injection:       hit.Injection,
		Blocked:         true,
	})
	if g.metrics != nil {
		g.metrics.TripwireHits.WithLabelValues(hit.PatternName).Inc()
	}
	g.logger.Warn("tripwire block",
		"entity_id", req.EntityID, "pattern", hit.PatternName)
	g.emit(events.TypeIntentBlocked, req.EntityID, map[string]interface{}{
		"intent_id": intentID,
		"pattern":   hit.PatternName,
	})
	g.emitHook(webhooks.EventIntentBlocked, req.EntityID, map[string]interface{}{
		"intent_id": intentID,
		"pattern":   hit.PatternName,
	})

	return &core.IntentResponse{
		IntentID:    intentID,
		Status:      core.StatusBlocked,
		Plan:        plan,
		BlockedBy:   "tripwire:" + hit.PatternName,
		BlockReason: "goal matched tripwire pattern " + hit.PatternName,
		TrustScore:  0,
		TrustLevel:  0,
		DurationMs:  g.now().Sub(start).Milliseconds(),
		CompletedAt: g.now().UTC(),
	}
}

// ===========================================================================
// Enforce flow: circuit -> velocity -> rigor -> cache/evaluate -> record
// ===========================================================================

// Enforce evaluates a plan under policy and updates the pipeline state.
func (g *Gateway) Enforce(ctx context.Context, req core.EnforceRequest) *core.EnforceResponse {
	start := g.now()
	plan := req.Plan
	entityID := req.EntityID
	if entityID == "" {
		entityID = plan.EntityID
	}

	if err := g.breaker.AllowRequest(entityID); err != nil {
		verdict := policy.CircuitDenial(plan, err.Error(), g.now().UTC())
		return g.finish(req, entityID, verdict, nil, start, false)
	}

	snap := g.trust.Get(entityID)

	if res := g.velocity.Check(entityID, snap.Level); !res.Allowed {
		verdict := policy.VelocityDenial(plan, res.Tier, res.WindowLabel, res.Limit,
			time.Duration(res.RetryAfterSeconds*float64(time.Second)), g.now().UTC())
		if halted := g.breaker.RecordViolation(entityID); halted {
			g.emit(events.TypeEntityHalted, entityID, map[string]interface{}{"reason": "velocity_violations"})
			g.emitHook(webhooks.EventEntityHalted, entityID, map[string]interface{}{"reason": "velocity_violations"})
		}
		if g.metrics != nil {
			g.metrics.VelocityDenials.WithLabelValues(res.Tier).Inc()
		}
		return g.finish(req, entityID, verdict, nil, start, false)
	}

	rigor := policy.DetermineRigor(req.RigorMode, snap.Level)
	policies := g.evaluator.Catalog().PoliciesForRigor(rigor)
	policyIDs := policy.IDs(policies)

	// Deadline check before evaluation: never leave partial state behind.
	if ctx.Err() != nil {
		verdict := policy.TimeoutEscalation(plan, g.now().UTC())
		return g.finish(req, entityID, verdict, policyIDs, start, false)
	}

	var verdict *core.Verdict
	cacheKey := policy.Key(plan.PlanID, policyIDs, snap.Level, rigor)
	if g.cache != nil {
		verdict = g.cache.Get(ctx, cacheKey)
	}
	if g.metrics != nil {
		outcome := "miss"
		if verdict != nil {
			outcome = "hit"
		}
		g.metrics.CacheLookups.WithLabelValues(outcome).Inc()
	}
	if verdict == nil {
		verdict = g.evaluator.Evaluate(plan, snap.Level, rigor)
		if g.cache != nil {
			g.cache.Put(ctx, cacheKey, verdict)
		}
	}

	g.velocity.Record(entityID)
	g.observe(circuit.Observation{
		EntityID:  entityID,
		RiskScore: plan.RiskScore,
		Blocked:   !verdict.Allowed,
	})

	return g.finish(req, entityID, verdict, policyIDs, start, true)
}

// finish applies trust impact, appends proof when asked, emits events, and
// builds the response. entityID is the resolved caller: the request's
// entity_id when set, the plan's otherwise — the same identity circuit and
// velocity checks used. recorded distinguishes verdicts that went through
// evaluation (velocity/circuit state already updated) from synthetic ones.
func (g *Gateway) finish(req core.EnforceRequest, entityID string, verdict *core.Verdict, policyIDs []string, start time.Time, recorded bool) *core.EnforceResponse {
	verdict.EntityID = entityID
	if verdict.TrustImpact != 0 {
		score := g.trust.Adjust(entityID, verdict.TrustImpact)
		if g.metrics != nil {
			g.metrics.TrustScore.WithLabelValues(entityID).Set(float64(score))
		}
		g.emit(events.TypeTrustChanged, entityID, map[string]interface{}{
			"impact": verdict.TrustImpact,
			"score":  score,
		})
		g.emitHook(webhooks.EventTrustChanged, entityID, map[string]interface{}{
			"impact": verdict.TrustImpact,
			"score":  score,
		})
	}

	verdict.DurationMs = g.now().Sub(start).Milliseconds()

	resp := &core.EnforceResponse{Verdict: verdict}
	snap := g.trust.Get(entityID)
	resp.TrustScore = snap.Score
	resp.TrustLevel = snap.Level

	if req.Record && g.ledger != nil {
		record := g.ledger.Append(verdict, req.Plan.IntentID, "enforce", policyIDs)
		resp.ProofID = record.ProofID
		if g.metrics != nil {
			g.metrics.LedgerLength.Set(float64(g.ledger.Len()))
		}
	}

	if g.metrics != nil {
		g.metrics.DecisionsTotal.WithLabelValues(string(verdict.Action), string(verdict.RigorMode)).Inc()
		g.metrics.DecisionDuration.WithLabelValues(string(verdict.Action)).
			Observe(float64(verdict.DurationMs) / 1000)
		g.metrics.CircuitState.Set(float64(g.breaker.State()))
	}

	eventType, hookType := eventForAction(verdict.Action)
	data := map[string]interface{}{
		"verdict_id": verdict.VerdictID,
		"plan_id":    verdict.PlanID,
		"action":     string(verdict.Action),
		"rigor":      string(verdict.RigorMode),
		"violations": len(verdict.Violations),
	}
	g.emit(eventType, entityID, data)
	g.emitHook(hookType, entityID, data)

	g.logger.Info("verdict",
		"entity_id", entityID,
		"plan_id", verdict.PlanID,
		"action", verdict.Action,
		"rigor", verdict.RigorMode,
		"violations", len(verdict.Violations),
		"cache_hit", verdict.CacheHit,
		"duration_ms", verdict.DurationMs,
		"evaluated", recorded)
	return resp
}

func eventForAction(a core.Action) (string, webhooks.EventType) {
	switch a {
	case core.ActionAllow:
		return events.TypeVerdictAllowed, webhooks.EventVerdictAllowed
	case core.ActionEscalate:
		return events.TypeVerdictEscalated, webhooks.EventVerdictEscalated
	default:
		return events.TypeVerdictDenied, webhooks.EventVerdictDenied
	}
}

func (g *Gateway) emit(eventType, subject string, data map[string]interface{}) {
	if g.bus != nil {
		g.bus.Emit(eventType, eventSource, subject, data)
	}
}

func (g *Gateway) emitHook(eventType webhooks.EventType, entityID string, data map[string]interface{}) {
	if g.hooks != nil {
		g.hooks.Emit(eventType, entityID, data)
	}
}

// ===========================================================================
// Entity administration
// ===========================================================================

// RegisterEntity seeds an entity's trust state and optional parent link.
// Children registered under a parent are halted when the parent halts.
func (g *Gateway) RegisterEntity(entityID string, tier trust.Tier, score int, parentID string) core.EntityView {
	if tier != "" {
		g.trust.SetTier(entityID, tier)
	}
	if score > 0 {
		g.trust.SetScore(entityID, score)
	}
	if parentID != "" {
		g.breaker.RegisterChild(parentID, entityID)
	}
	return g.EntityView(entityID)
}

// EntityView assembles the admin view of one entity.
func (g *Gateway) EntityView(entityID string) core.EntityView {
	snap := g.trust.Get(entityID)
	return core.EntityView{
		EntityID:   entityID,
		TrustScore: snap.Score,
		TrustLevel: snap.Level,
		Tier:       string(snap.Tier),
		Ceiling:    snap.Ceiling,
		Halted:     g.breaker.IsHalted(entityID),
		UpdatedAt:  snap.UpdatedAt,
	}
}

// HaltEntity moves the entity (and registered children) to the halted set.
func (g *Gateway) HaltEntity(entityID string) {
	g.breaker.HaltEntity(entityID)
	if g.metrics != nil {
		g.metrics.EntitiesHalted.Inc()
	}
	g.emit(events.TypeEntityHalted, entityID, map[string]interface{}{"reason": "manual"})
	g.emitHook(webhooks.EventEntityHalted, entityID, map[string]interface{}{"reason": "manual"})
}

// UnhaltEntity removes the entity from the halted set.
func (g *Gateway) UnhaltEntity(entityID string) {
	g.breaker.UnhaltEntity(entityID)
	if g.metrics != nil {
		g.metrics.EntitiesHalted.Dec()
	}
}

// ThrottleEntity denies the entity's requests until the deadline.
func (g *Gateway) ThrottleEntity(entityID string, until time.Time) {
	g.velocity.Throttle(entityID, until)
}

// UnthrottleEntity lifts a manual throttle.
func (g *Gateway) UnthrottleEntity(entityID string) {
	g.velocity.Unthrottle(entityID)
}

// ResetBreaker force-closes the circuit breaker.
func (g *Gateway) ResetBreaker() {
	g.breaker.Reset()
	g.emit(events.TypeCircuitClosed, "", map[string]interface{}{"reason": "manual_reset"})
}
