// Package critic performs adversarial review of risky plans through a
// pluggable LLM provider. Provider failures never propagate; they collapse
// into a cautious fallback verdict that escalates instead of guessing.
package critic

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/basislabs/basis-gateway/internal/core"
)

// Provider is the capability set any critic backend must satisfy.
// Selection between providers is configuration, not type dispatch.
type Provider interface {
	Analyze(ctx context.Context, req core.CriticRequest) (*core.CriticVerdict, error)
	ModelName() string
}

// Gate thresholds: the critic runs when planner risk reaches this score or
// any of these tools is required.
const gateRiskThreshold = 0.3

var gateTools = map[string]bool{
	core.ToolShell:      true,
	core.ToolFileDelete: true,
	core.ToolDatabase:   true,
	core.ToolNetwork:    true,
}

// ShouldReview applies the invocation gate.
func ShouldReview(plan *core.Plan) bool {
	if plan.RiskScore >= gateRiskThreshold {
		return true
	}
	for _, tool := range plan.ToolsRequired {
		if gateTools[tool] {
			return true
		}
	}
	return false
}

// Critic wraps a provider with the gate, timeout, and fallback behavior.
type Critic struct {
	provider Provider
	timeout  time.Duration
	logger   *log.Logger
}

// New creates a critic. A zero timeout defaults to 2 seconds.
func New(provider Provider, timeout time.Duration) *Critic {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Critic{
		provider: provider,
		timeout:  timeout,
		logger:   log.New(log.Writer(), "[CRITIC] ", log.LstdFlags),
	}
}

// Review runs the adversarial analysis. Any provider error or timeout
// yields the cautious fallback verdict; the error is logged, never returned.
func (c *Critic) Review(ctx context.Context, plan *core.Plan) *core.CriticVerdict {
	req := core.CriticRequest{
		RequestID:     core.NewRequestID(),
		PlanID:        plan.PlanID,
		Goal:          plan.Goal,
		PlannerRisk:   plan.RiskScore,
		PlannerTrace:  plan.ReasoningTrace,
		ToolsRequired: plan.ToolsRequired,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	verdict, err := c.provider.Analyze(ctx, req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		c.logger.Printf("provider %s failed, using fallback: %v", c.provider.ModelName(), err)
		fb := fallbackVerdict(plan.PlanID)
		fb.LatencyMs = latency
		return fb
	}

	verdict.PlanID = plan.PlanID
	if verdict.VerdictID == "" {
		verdict.VerdictID = core.NewCriticID()
	}
	verdict.LatencyMs = latency
	sanitize(verdict)
	return verdict
}

// fallbackVerdict is the recovery posture when the provider is unreachable:
// suspicious, low confidence, small risk bump, escalate to a human.
func fallbackVerdict(planID string) *core.CriticVerdict {
	return &core.CriticVerdict{
		VerdictID:           core.NewCriticID(),
		PlanID:              planID,
		Judgment:            core.JudgmentSuspicious,
		Confidence:          0.3,
		RiskAdjustment:      0.1,
		RecommendedAction:   core.RecommendEscalate,
		Reasoning:           "critic unavailable; applying cautious fallback review",
		RequiresHumanReview: true,
		Fallback:            true,
	}
}

// sanitize clamps provider output into the contract's ranges.
func sanitize(v *core.CriticVerdict) {
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	if v.RiskAdjustment < -0.5 {
		v.RiskAdjustment = -0.5
	}
	if v.RiskAdjustment > 0.5 {
		v.RiskAdjustment = 0.5
	}
	switch v.Judgment {
	case core.JudgmentSafe, core.JudgmentSuspicious, core.JudgmentDangerous, core.JudgmentBlock:
	default:
		v.Judgment = core.JudgmentSuspicious
	}
	switch v.RecommendedAction {
	case core.RecommendProceed, core.RecommendEscalate, core.RecommendBlock, core.RecommendModify:
	default:
		v.RecommendedAction = core.RecommendEscalate
	}
}

// Apply folds a critic verdict into a new augmented plan. The input plan is
// never mutated.
func Apply(plan *core.Plan, verdict *core.CriticVerdict) *core.Plan {
	out := plan.Clone()
	out.RiskScore = core.ClampRisk(plan.RiskScore + verdict.RiskAdjustment)

	for _, risk := range verdict.HiddenRisks {
		out.RiskIndicators["critic_"+risk] = verdict.Confidence
	}

	reasoning := verdict.Reasoning
	if len(reasoning) > 100 {
		reasoning = reasoning[:100]
	}
	out.ReasoningTrace = fmt.Sprintf("%s | critic[%s]: %s", plan.ReasoningTrace, verdict.Judgment, reasoning)

	return out
}
