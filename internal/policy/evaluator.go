package policy

import (
	"fmt"
	"log"
	"time"

	"github.com/basislabs/basis-gateway/internal/core"
)

// Trust impacts applied by the decision ladder and the synthetic denials.
const (
	impactCriticalViolation = -50
	impactHighViolation     = -10
	impactVelocityDenial    = -5
	impactCircuitDenial     = -100
)

// approvalTimeout is how long an escalated verdict waits for a human.
const approvalTimeout = "4h"

// DetermineRigor honors an explicitly requested mode, otherwise maps trust
// level to breadth: 0-2 STRICT, 3 STANDARD, 4 LITE.
func DetermineRigor(requested core.RigorMode, trustLevel int) core.RigorMode {
	switch requested {
	case core.RigorStrict, core.RigorStandard, core.RigorLite:
		return requested
	}
	switch {
	case trustLevel <= 2:
		return core.RigorStrict
	case trustLevel == 3:
		return core.RigorStandard
	default:
		return core.RigorLite
	}
}

// Evaluator sweeps a plan through the catalog and decides a verdict.
type Evaluator struct {
	catalog *Catalog
	logger  *log.Logger
	now     func() time.Time
}

// NewEvaluator wires an evaluator over a catalog.
func NewEvaluator(catalog *Catalog) *Evaluator {
	return &Evaluator{
		catalog: catalog,
		logger:  log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Catalog exposes the underlying catalog for admin listing.
func (e *Evaluator) Catalog() *Catalog { return e.catalog }

// Evaluate runs every constraint the rigor mode keeps and decides:
// any critical violation denies; any high violation or approval-bearing
// constraint escalates with a 4h approval window; otherwise allow.
func (e *Evaluator) Evaluate(plan *core.Plan, trustLevel int, mode core.RigorMode) *core.Verdict {
	start := e.now()
	policies := e.catalog.PoliciesForRigor(mode)

	var violations []core.Violation
	var constraints int
	requiresApproval := false
	for _, p := range policies {
		for i := range p.Constraints {
			c := &p.Constraints[i]
			constraints++
			if !c.Matches(plan, trustLevel) {
				continue
			}
			violations = append(violations, core.Violation{
				PolicyID:     p.ID,
				ConstraintID: c.ID,
				Severity:     c.Severity,
				Message:      c.Message,
			})
			if c.RequiresApproval {
				requiresApproval = true
			}
		}
	}

	v := &core.Verdict{
		VerdictID:            core.NewVerdictID(),
		PlanID:               plan.PlanID,
		EntityID:             plan.EntityID,
		Violations:           violations,
		PoliciesEvaluated:    len(policies),
		ConstraintsEvaluated: constraints,
		RigorMode:            mode,
		DecidedAt:            start,
	}

	switch {
	case v.HighestSeverity() == core.SeverityCritical:
		v.Action = core.ActionDeny
		v.Allowed = false
		v.TrustImpact = impactCriticalViolation
	case v.HighestSeverity() == core.SeverityHigh || requiresApproval:
		v.Action = core.ActionEscalate
		v.Allowed = false
		v.TrustImpact = impactHighViolation
		v.RequiresApproval = true
		v.ApprovalTimeout = approvalTimeout
	default:
		v.Action = core.ActionAllow
		v.Allowed = true
	}
	v.DurationMs = e.now().Sub(start).Milliseconds()

	if !v.Allowed {
		e.logger.Printf("plan=%s entity=%s action=%s violations=%d rigor=%s",
			plan.PlanID, plan.EntityID, v.Action, len(violations), mode)
	}
	return v
}

// VelocityDenial builds the synthetic verdict for a request the velocity
// limiter refused. It never passes through policy evaluation, and rigor is
// forced to STRICT.
func VelocityDenial(plan *core.Plan, tier, windowLabel string, limit int, retryAfter time.Duration, now time.Time) *core.Verdict {
	return &core.Verdict{
		VerdictID: core.NewVerdictID(),
		PlanID:    plan.PlanID,
		EntityID:  plan.EntityID,
		Action:    core.ActionDeny,
		Allowed:   false,
		Violations: []core.Violation{{
			PolicyID:     "system-velocity-caps",
			ConstraintID: tier,
			Severity:     core.SeverityHigh,
			Message:      fmt.Sprintf("Velocity limit exceeded: %d actions per %s", limit, windowLabel),
			Detail:       fmt.Sprintf("retry after %ds", int(retryAfter.Seconds())),
		}},
		TrustImpact: impactVelocityDenial,
		RigorMode:   core.RigorStrict,
		DecidedAt:   now,
	}
}

// CircuitDenial builds the synthetic verdict for a request refused while the
// circuit breaker is open or the entity is halted. Critical always wins and
// rigor is forced to STRICT.
func CircuitDenial(plan *core.Plan, reason string, now time.Time) *core.Verdict {
	return &core.Verdict{
		VerdictID: core.NewVerdictID(),
		PlanID:    plan.PlanID,
		EntityID:  plan.EntityID,
		Action:    core.ActionDeny,
		Allowed:   false,
		Violations: []core.Violation{{
			PolicyID:     "system-circuit-breaker",
			ConstraintID: "breaker-open",
			Severity:     core.SeverityCritical,
			Message:      "Request denied by circuit breaker",
			Detail:       reason,
		}},
		TrustImpact: impactCircuitDenial,
		RigorMode:   core.RigorStrict,
		DecidedAt:   now,
	}
}

// TimeoutEscalation builds the synthetic verdict for an evaluation that hit
// the orchestrator deadline. Escalated, never cached.
func TimeoutEscalation(plan *core.Plan, now time.Time) *core.Verdict {
	return &core.Verdict{
		VerdictID: core.NewVerdictID(),
		PlanID:    plan.PlanID,
		EntityID:  plan.EntityID,
		Action:    core.ActionEscalate,
		Allowed:   false,
		Violations: []core.Violation{{
			PolicyID:     "system-timeout",
			ConstraintID: "evaluation-deadline",
			Severity:     core.SeverityHigh,
			Message:      "Evaluation timed out; escalated for review",
		}},
		TrustImpact:      impactHighViolation,
		RequiresApproval: true,
		ApprovalTimeout:  approvalTimeout,
		RigorMode:        core.RigorStrict,
		DecidedAt:        now,
	}
}
