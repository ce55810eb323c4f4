package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basislabs/basis-gateway/internal/core"
)

func testPlan(risk float64, tools, dataClasses []string) *core.Plan {
	return &core.Plan{
		PlanID:              "plan_eval",
		EntityID:            "agent_a",
		Goal:                "test goal",
		ToolsRequired:       tools,
		DataClassifications: dataClasses,
		RiskScore:           risk,
	}
}

func TestDetermineRigor_TrustMapping(t *testing.T) {
	assert.Equal(t, core.RigorStrict, DetermineRigor("", 0))
	assert.Equal(t, core.RigorStrict, DetermineRigor("", 1))
	assert.Equal(t, core.RigorStrict, DetermineRigor("", 2))
	assert.Equal(t, core.RigorStandard, DetermineRigor("", 3))
	assert.Equal(t, core.RigorLite, DetermineRigor("", 4))
}

func TestDetermineRigor_ExplicitRequestHonored(t *testing.T) {
	assert.Equal(t, core.RigorLite, DetermineRigor(core.RigorLite, 0))
	assert.Equal(t, core.RigorStrict, DetermineRigor(core.RigorStrict, 4))
	assert.Equal(t, core.RigorStrict, DetermineRigor("BOGUS", 2), "unknown mode falls back to trust mapping")
}

func TestPoliciesForRigor_Filtering(t *testing.T) {
	c := NewCatalog()
	assert.Len(t, c.PoliciesForRigor(core.RigorStrict), 3)
	assert.Len(t, c.PoliciesForRigor(core.RigorStandard), 3)

	lite := c.PoliciesForRigor(core.RigorLite)
	require.Len(t, lite, 2)
	assert.Equal(t, PolicyCoreSecurity, lite[0].ID)
	assert.Equal(t, PolicyRiskThresholds, lite[1].ID)
}

func TestEvaluate_CleanPlanAllows(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.1, []string{core.ToolEmail}, nil), 2, core.RigorStrict)
	assert.Equal(t, core.ActionAllow, v.Action)
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Violations)
	assert.Equal(t, 0, v.TrustImpact)
	assert.Equal(t, 3, v.PoliciesEvaluated)
	assert.Equal(t, 6, v.ConstraintsEvaluated)
}

func TestEvaluate_ShellBelowLevel3Denies(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.1, []string{core.ToolShell}, nil), 2, core.RigorStrict)
	assert.Equal(t, core.ActionDeny, v.Action)
	assert.False(t, v.Allowed)
	assert.Equal(t, -50, v.TrustImpact)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, "no-shell-low-trust", v.Violations[0].ConstraintID)
}

func TestEvaluate_ShellAtLevel3Allows(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.1, []string{core.ToolShell}, nil), 3, core.RigorStandard)
	assert.True(t, v.Allowed)
}

func TestEvaluate_FileDeleteEscalates(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.1, []string{core.ToolFileDelete}, nil), 4, core.RigorLite)
	assert.Equal(t, core.ActionEscalate, v.Action)
	assert.False(t, v.Allowed)
	assert.True(t, v.RequiresApproval)
	assert.Equal(t, "4h", v.ApprovalTimeout)
	assert.Equal(t, -10, v.TrustImpact)
}

func TestEvaluate_PIIBelowLevel2Denies(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.1, nil, []string{core.DataPIIEmail}), 1, core.RigorStrict)
	assert.Equal(t, core.ActionDeny, v.Action)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, PolicyDataProtection, v.Violations[0].PolicyID)

	clean := e.Evaluate(testPlan(0.1, nil, []string{core.DataPIIEmail}), 2, core.RigorStrict)
	assert.True(t, clean.Allowed)
}

func TestEvaluate_CredentialsEscalate(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.1, nil, []string{core.DataCredentials}), 4, core.RigorStandard)
	assert.Equal(t, core.ActionEscalate, v.Action)
	assert.False(t, v.RequiresApproval == false && v.ApprovalTimeout == "", "high severity escalates")
}

func TestEvaluate_HighRiskHardBlock(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.95, nil, nil), 4, core.RigorLite)
	assert.Equal(t, core.ActionDeny, v.Action)
	assert.Equal(t, -50, v.TrustImpact)
}

func TestEvaluate_ElevatedRiskLowTrustEscalates(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	v := e.Evaluate(testPlan(0.6, nil, nil), 2, core.RigorStrict)
	assert.Equal(t, core.ActionEscalate, v.Action)
	assert.True(t, v.RequiresApproval)

	trusted := e.Evaluate(testPlan(0.6, nil, nil), 3, core.RigorStandard)
	assert.True(t, trusted.Allowed, "level 3 clears the elevated-risk review")
}

func TestEvaluate_CriticalWinsOverHigh(t *testing.T) {
	e := NewEvaluator(NewCatalog())
	// shell (critical at level 2) plus file_delete (high + approval)
	v := e.Evaluate(testPlan(0.1, []string{core.ToolShell, core.ToolFileDelete}, nil), 2, core.RigorStrict)
	assert.Equal(t, core.ActionDeny, v.Action)
	assert.Equal(t, -50, v.TrustImpact)
	assert.Len(t, v.Violations, 2)
}

func TestVelocityDenial_Shape(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	v := VelocityDenial(testPlan(0.1, nil, nil), "L0_burst", "1s", 2, 1*time.Second, now)
	assert.Equal(t, core.ActionDeny, v.Action)
	assert.Equal(t, -5, v.TrustImpact)
	assert.Equal(t, core.RigorStrict, v.RigorMode)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, "system-velocity-caps", v.Violations[0].PolicyID)
	assert.Equal(t, core.SeverityHigh, v.Violations[0].Severity)
}

func TestCircuitDenial_Shape(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	v := CircuitDenial(testPlan(0.1, nil, nil), "high_risk_ratio", now)
	assert.Equal(t, core.ActionDeny, v.Action)
	assert.Equal(t, -100, v.TrustImpact)
	assert.Equal(t, core.RigorStrict, v.RigorMode)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, "system-circuit-breaker", v.Violations[0].PolicyID)
	assert.Equal(t, core.SeverityCritical, v.Violations[0].Severity)
}

func TestTimeoutEscalation_Shape(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	v := TimeoutEscalation(testPlan(0.1, nil, nil), now)
	assert.Equal(t, core.ActionEscalate, v.Action)
	assert.True(t, v.RequiresApproval)
	assert.Equal(t, "system-timeout", v.Violations[0].PolicyID)
}
