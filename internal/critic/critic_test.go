package critic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basislabs/basis-gateway/internal/core"
)

// stubProvider returns a canned verdict or error.
type stubProvider struct {
	verdict *core.CriticVerdict
	err     error
	delay   time.Duration
}

func (s *stubProvider) ModelName() string { return "stub" }

func (s *stubProvider) Analyze(ctx context.Context, req core.CriticRequest) (*core.CriticVerdict, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	v := *s.verdict
	return &v, nil
}

func testPlan(risk float64, tools ...string) *core.Plan {
	return &core.Plan{
		PlanID:         "plan_test",
		Goal:           "test goal",
		ToolsRequired:  tools,
		RiskIndicators: map[string]float64{},
		RiskScore:      risk,
		ReasoningTrace: "planner: test",
	}
}

func TestShouldReview_Gate(t *testing.T) {
	assert.False(t, ShouldReview(testPlan(0.1)))
	assert.False(t, ShouldReview(testPlan(0.29, core.ToolEmail)))
	assert.True(t, ShouldReview(testPlan(0.3)))
	assert.True(t, ShouldReview(testPlan(0.1, core.ToolShell)))
	assert.True(t, ShouldReview(testPlan(0.1, core.ToolFileDelete)))
	assert.True(t, ShouldReview(testPlan(0.1, core.ToolDatabase)))
	assert.True(t, ShouldReview(testPlan(0.1, core.ToolNetwork)))
}

func TestReview_ProviderVerdictPassedThrough(t *testing.T) {
	c := New(&stubProvider{verdict: &core.CriticVerdict{
		Judgment:          core.JudgmentDangerous,
		Confidence:        0.9,
		RiskAdjustment:    0.4,
		HiddenRisks:       []string{"privilege_escalation"},
		RecommendedAction: core.RecommendBlock,
		Reasoning:         "goal masks a destructive operation",
	}}, time.Second)

	v := c.Review(context.Background(), testPlan(0.5, core.ToolShell))
	assert.Equal(t, core.JudgmentDangerous, v.Judgment)
	assert.Equal(t, "plan_test", v.PlanID)
	assert.False(t, v.Fallback)
	assert.NotEmpty(t, v.VerdictID)
}

func TestReview_ErrorYieldsFallback(t *testing.T) {
	c := New(&stubProvider{err: errors.New("connection refused")}, time.Second)

	v := c.Review(context.Background(), testPlan(0.5))
	assert.True(t, v.Fallback)
	assert.Equal(t, core.JudgmentSuspicious, v.Judgment)
	assert.Equal(t, 0.3, v.Confidence)
	assert.Equal(t, 0.1, v.RiskAdjustment)
	assert.Equal(t, core.RecommendEscalate, v.RecommendedAction)
	assert.True(t, v.RequiresHumanReview)
}

func TestReview_TimeoutYieldsFallback(t *testing.T) {
	c := New(&stubProvider{
		delay:   200 * time.Millisecond,
		verdict: &core.CriticVerdict{Judgment: core.JudgmentSafe},
	}, 20*time.Millisecond)

	v := c.Review(context.Background(), testPlan(0.5))
	assert.True(t, v.Fallback)
}

func TestReview_SanitizesOutOfRangeValues(t *testing.T) {
	c := New(&stubProvider{verdict: &core.CriticVerdict{
		Judgment:          "catastrophic",
		Confidence:        3.0,
		RiskAdjustment:    2.0,
		RecommendedAction: "panic",
	}}, time.Second)

	v := c.Review(context.Background(), testPlan(0.5))
	assert.Equal(t, core.JudgmentSuspicious, v.Judgment)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, 0.5, v.RiskAdjustment)
	assert.Equal(t, core.RecommendEscalate, v.RecommendedAction)
}

func TestApply_AdjustsRiskAndAugmentsTrace(t *testing.T) {
	plan := testPlan(0.5)
	verdict := &core.CriticVerdict{
		Judgment:       core.JudgmentDangerous,
		Confidence:     0.8,
		RiskAdjustment: 0.3,
		HiddenRisks:    []string{"data_exfiltration"},
		Reasoning:      "the stated goal does not require network access",
	}

	out := Apply(plan, verdict)
	assert.InDelta(t, 0.8, out.RiskScore, 0.001)
	assert.Equal(t, 0.8, out.RiskIndicators["critic_data_exfiltration"])
	assert.Contains(t, out.ReasoningTrace, "critic[dangerous]")

	// Original plan untouched.
	assert.Equal(t, 0.5, plan.RiskScore)
	assert.NotContains(t, plan.ReasoningTrace, "critic")
}

func TestApply_ClampsAtBounds(t *testing.T) {
	high := Apply(testPlan(0.9), &core.CriticVerdict{RiskAdjustment: 0.5})
	assert.Equal(t, 1.0, high.RiskScore)

	low := Apply(testPlan(0.2), &core.CriticVerdict{RiskAdjustment: -0.5})
	assert.Equal(t, 0.0, low.RiskScore)
}

func TestApply_TruncatesLongReasoning(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	out := Apply(testPlan(0.5), &core.CriticVerdict{
		Judgment:  core.JudgmentSuspicious,
		Reasoning: string(long),
	})
	// Planner trace + separator + judgment label + 100 chars, well short of 500.
	assert.Less(t, len(out.ReasoningTrace), 200)
}

func TestStripFences(t *testing.T) {
	plain := `{"judgment":"safe"}`
	assert.Equal(t, plain, stripFences(plain))
	assert.Equal(t, plain, stripFences("```json\n"+plain+"\n```"))
	assert.Equal(t, plain, stripFences("```\n"+plain+"\n```"))
}

func TestParseVerdict_RejectsGarbage(t *testing.T) {
	_, err := parseVerdict("I think this is probably fine!")
	assert.Error(t, err)
}

func TestChatProvider_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"` +
			`{\"judgment\":\"dangerous\",\"confidence\":0.85,\"risk_adjustment\":0.3,` +
			`\"hidden_risks\":[\"masked_deletion\"],\"recommended_action\":\"block\",` +
			`\"reasoning\":\"euphemism over system path\"}"}}]}`))
	}))
	defer srv.Close()

	p, err := NewProvider(ProviderConfig{Name: "openai", APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	v, err := p.Analyze(context.Background(), core.CriticRequest{Goal: "organize the root directory"})
	require.NoError(t, err)
	assert.Equal(t, core.JudgmentDangerous, v.Judgment)
	assert.Equal(t, []string{"masked_deletion"}, v.HiddenRisks)
}

func TestNewProvider_UnknownName(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Name: "oracle"})
	assert.Error(t, err)
}
