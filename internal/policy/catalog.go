// Package policy evaluates plans against a static policy catalog under a
// proportional rigor mode, and memoizes verdicts in a bounded cache.
package policy

import (
	"sort"
	"sync"

	"github.com/basislabs/basis-gateway/internal/core"
)

// Predicate is the closed set of constraint conditions. Conditions are
// data, not string matching: each constraint names one predicate plus its
// parameters.
type Predicate string

const (
	// PredToolWithMaxTrust fires when the plan requires Tool and the caller's
	// trust level is below MinTrustLevel.
	PredToolWithMaxTrust Predicate = "tool_below_trust"
	// PredToolRequired fires whenever the plan requires Tool.
	PredToolRequired Predicate = "tool_required"
	// PredPIIBelowTrust fires when any data classification has the pii_
	// prefix and trust level is below MinTrustLevel.
	PredPIIBelowTrust Predicate = "pii_below_trust"
	// PredDataClass fires when the plan carries DataClass.
	PredDataClass Predicate = "data_class"
	// PredRiskAbove fires when risk_score exceeds RiskThreshold.
	PredRiskAbove Predicate = "risk_above"
	// PredRiskAboveBelowTrust fires when risk_score exceeds RiskThreshold
	// and trust level is below MinTrustLevel.
	PredRiskAboveBelowTrust Predicate = "risk_above_below_trust"
)

// Constraint is one checkable rule inside a policy.
type Constraint struct {
	ID               string        `json:"id"`
	Predicate        Predicate     `json:"predicate"`
	Tool             string        `json:"tool,omitempty"`
	DataClass        string        `json:"data_class,omitempty"`
	RiskThreshold    float64       `json:"risk_threshold,omitempty"`
	MinTrustLevel    int           `json:"min_trust_level,omitempty"`
	Severity         core.Severity `json:"severity"`
	Message          string        `json:"message"`
	RequiresApproval bool          `json:"requires_approval"`
}

// Matches evaluates the constraint's predicate against a plan and the
// caller's trust level.
func (c *Constraint) Matches(plan *core.Plan, trustLevel int) bool {
	switch c.Predicate {
	case PredToolWithMaxTrust:
		return plan.RequiresTool(c.Tool) && trustLevel < c.MinTrustLevel
	case PredToolRequired:
		return plan.RequiresTool(c.Tool)
	case PredPIIBelowTrust:
		return plan.HasPIIClassification() && trustLevel < c.MinTrustLevel
	case PredDataClass:
		return plan.HasClassification(c.DataClass)
	case PredRiskAbove:
		return plan.RiskScore > c.RiskThreshold
	case PredRiskAboveBelowTrust:
		return plan.RiskScore > c.RiskThreshold && trustLevel < c.MinTrustLevel
	default:
		return false
	}
}

// Policy is an ordered list of constraints under one id.
type Policy struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Constraints []Constraint `json:"constraints"`
}

// Baseline policy ids.
const (
	PolicyCoreSecurity   = "basis-core-security"
	PolicyDataProtection = "basis-data-protection"
	PolicyRiskThresholds = "basis-risk-thresholds"
)

// Catalog is the static registry of policies keyed by id.
type Catalog struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    []string
}

// NewCatalog returns a catalog preloaded with the baseline policies.
func NewCatalog() *Catalog {
	c := &Catalog{policies: make(map[string]*Policy)}

	c.Register(&Policy{
		ID:   PolicyCoreSecurity,
		Name: "Core Security",
		Constraints: []Constraint{
			{
				ID:            "no-shell-low-trust",
				Predicate:     PredToolWithMaxTrust,
				Tool:          core.ToolShell,
				MinTrustLevel: 3,
				Severity:      core.SeverityCritical,
				Message:       "Shell access requires trust level 3 or higher",
			},
			{
				ID:               "file-delete-approval",
				Predicate:        PredToolRequired,
				Tool:             core.ToolFileDelete,
				Severity:         core.SeverityHigh,
				Message:          "File deletion requires approval",
				RequiresApproval: true,
			},
		},
	})

	c.Register(&Policy{
		ID:   PolicyDataProtection,
		Name: "Data Protection",
		Constraints: []Constraint{
			{
				ID:            "pii-requires-l2",
				Predicate:     PredPIIBelowTrust,
				MinTrustLevel: 2,
				Severity:      core.SeverityCritical,
				Message:       "PII access requires trust level 2 or higher",
			},
			{
				ID:        "credential-handling",
				Predicate: PredDataClass,
				DataClass: core.DataCredentials,
				Severity:  core.SeverityHigh,
				Message:   "Credential handling is restricted",
			},
		},
	})

	c.Register(&Policy{
		ID:   PolicyRiskThresholds,
		Name: "Risk Thresholds",
		Constraints: []Constraint{
			{
				ID:            "high-risk-block",
				Predicate:     PredRiskAbove,
				RiskThreshold: 0.8,
				Severity:      core.SeverityCritical,
				Message:       "Risk score exceeds the hard block threshold",
			},
			{
				ID:               "elevated-risk-low-trust",
				Predicate:        PredRiskAboveBelowTrust,
				RiskThreshold:    0.5,
				MinTrustLevel:    3,
				Severity:         core.SeverityHigh,
				Message:          "Elevated risk requires review below trust level 3",
				RequiresApproval: true,
			},
		},
	})

	return c
}

// Register adds or replaces a policy.
func (c *Catalog) Register(p *Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.policies[p.ID]; !exists {
		c.order = append(c.order, p.ID)
	}
	c.policies[p.ID] = p
}

// Get fetches a policy by id.
func (c *Catalog) Get(id string) (*Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[id]
	return p, ok
}

// List returns all policies in registration order.
func (c *Catalog) List() []*Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Policy, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.policies[id])
	}
	return out
}

// PoliciesForRigor filters the catalog for a rigor mode.
// STRICT keeps everything; STANDARD keeps the three baseline policies;
// LITE keeps core security and risk thresholds only.
func (c *Catalog) PoliciesForRigor(mode core.RigorMode) []*Policy {
	var keep map[string]bool
	switch mode {
	case core.RigorStandard:
		keep = map[string]bool{PolicyCoreSecurity: true, PolicyDataProtection: true, PolicyRiskThresholds: true}
	case core.RigorLite:
		keep = map[string]bool{PolicyCoreSecurity: true, PolicyRiskThresholds: true}
	default:
		return c.List()
	}
	var out []*Policy
	for _, p := range c.List() {
		if keep[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// IDs returns the sorted id list of the given policies; used as part of
// cache keys.
func IDs(policies []*Policy) []string {
	ids := make([]string, 0, len(policies))
	for _, p := range policies {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}
