// Package core defines the shared domain model for the Basis gateway:
// plans, verdicts, critic reviews, proof records, and the request/response
// envelopes exchanged on the HTTP surface.
package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the enforcement decision for a plan.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionDeny     Action = "deny"
	ActionEscalate Action = "escalate"
	ActionModify   Action = "modify"
)

// PastTense returns the decision form recorded in the proof ledger.
func (a Action) PastTense() string {
	switch a {
	case ActionAllow:
		return "allowed"
	case ActionDeny:
		return "denied"
	case ActionEscalate:
		return "escalated"
	case ActionModify:
		return "modified"
	default:
		return string(a)
	}
}

// Severity ranks a constraint violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// RigorMode selects how broad the policy sweep is for a request.
type RigorMode string

const (
	RigorStrict   RigorMode = "STRICT"
	RigorStandard RigorMode = "STANDARD"
	RigorLite     RigorMode = "LITE"
)

// Judgment is the critic's overall read of a plan.
type Judgment string

const (
	JudgmentSafe       Judgment = "safe"
	JudgmentSuspicious Judgment = "suspicious"
	JudgmentDangerous  Judgment = "dangerous"
	JudgmentBlock      Judgment = "block"
)

// RecommendedAction is what the critic wants done with the plan.
type RecommendedAction string

const (
	RecommendProceed  RecommendedAction = "proceed"
	RecommendEscalate RecommendedAction = "escalate"
	RecommendBlock    RecommendedAction = "block"
	RecommendModify   RecommendedAction = "modify"
)

// IntentStatus is the outcome of the intent flow.
type IntentStatus string

const (
	StatusNormalized IntentStatus = "normalized"
	StatusBlocked    IntentStatus = "blocked"
)

// Tool tags a plan may require.
const (
	ToolShell      = "shell"
	ToolFileWrite  = "file_write"
	ToolFileDelete = "file_delete"
	ToolNetwork    = "network"
	ToolDatabase   = "database"
	ToolEmail      = "email"
)

// Data classification tags.
const (
	DataPIIEmail    = "pii_email"
	DataPIISSN      = "pii_ssn"
	DataCredentials = "credentials"
)

// Plan is the structured, immutable representation of an agent's intent.
// The critic never mutates a plan in place; Augment returns a new value.
type Plan struct {
	PlanID              string             `json:"plan_id"`
	IntentID            string             `json:"intent_id"`
	EntityID            string             `json:"entity_id"`
	Goal                string             `json:"goal"`
	ToolsRequired       []string           `json:"tools_required"`
	EndpointsRequired   []string           `json:"endpoints_required"`
	DataClassifications []string           `json:"data_classifications"`
	RiskIndicators      map[string]float64 `json:"risk_indicators"`
	RiskScore           float64            `json:"risk_score"`
	ReasoningTrace      string             `json:"reasoning_trace"`
	CreatedAt           time.Time          `json:"created_at"`
}

// RequiresTool reports whether the plan needs the given tool tag.
func (p *Plan) RequiresTool(tool string) bool {
	for _, t := range p.ToolsRequired {
		if t == tool {
			return true
		}
	}
	return false
}

// HasClassification reports whether the plan touches the given data class.
func (p *Plan) HasClassification(class string) bool {
	for _, c := range p.DataClassifications {
		if c == class {
			return true
		}
	}
	return false
}

// HasPIIClassification reports whether any data class carries the pii_ prefix.
func (p *Plan) HasPIIClassification() bool {
	for _, c := range p.DataClassifications {
		if strings.HasPrefix(c, "pii_") {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the plan so augmentation never aliases state.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.ToolsRequired = append([]string(nil), p.ToolsRequired...)
	cp.EndpointsRequired = append([]string(nil), p.EndpointsRequired...)
	cp.DataClassifications = append([]string(nil), p.DataClassifications...)
	cp.RiskIndicators = make(map[string]float64, len(p.RiskIndicators))
	for k, v := range p.RiskIndicators {
		cp.RiskIndicators[k] = v
	}
	return &cp
}

// CriticRequest is the adversarial review request sent to a provider.
type CriticRequest struct {
	RequestID      string   `json:"request_id"`
	PlanID         string   `json:"plan_id"`
	Goal           string   `json:"goal"`
	PlannerRisk    float64  `json:"planner_risk"`
	PlannerTrace   string   `json:"planner_trace"`
	ToolsRequired  []string `json:"tools_required"`
	Context        string   `json:"context,omitempty"`
}

// CriticVerdict is the structured result of an adversarial review.
type CriticVerdict struct {
	VerdictID           string            `json:"verdict_id"`
	PlanID              string            `json:"plan_id"`
	Judgment            Judgment          `json:"judgment"`
	Confidence          float64           `json:"confidence"`
	RiskAdjustment      float64           `json:"risk_adjustment"`
	HiddenRisks         []string          `json:"hidden_risks"`
	RecommendedAction   RecommendedAction `json:"recommended_action"`
	Reasoning           string            `json:"reasoning"`
	RequiresHumanReview bool              `json:"requires_human_review"`
	Fallback            bool              `json:"fallback,omitempty"`
	LatencyMs           int64             `json:"latency_ms"`
}

// Violation is a single constraint breach found during evaluation.
type Violation struct {
	PolicyID     string   `json:"policy_id"`
	ConstraintID string   `json:"constraint_id"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Detail       string   `json:"detail,omitempty"`
}

// Verdict is the enforcement result for a plan.
type Verdict struct {
	VerdictID            string      `json:"verdict_id"`
	PlanID               string      `json:"plan_id"`
	EntityID             string      `json:"entity_id"`
	Action               Action      `json:"action"`
	Allowed              bool        `json:"allowed"`
	Violations           []Violation `json:"violations"`
	PoliciesEvaluated    int         `json:"policies_evaluated"`
	ConstraintsEvaluated int         `json:"constraints_evaluated"`
	TrustImpact          int         `json:"trust_impact"`
	RequiresApproval     bool        `json:"requires_approval"`
	ApprovalTimeout      string      `json:"approval_timeout,omitempty"`
	RigorMode            RigorMode   `json:"rigor_mode"`
	CacheHit             bool        `json:"cache_hit"`
	DurationMs           int64       `json:"duration_ms"`
	DecidedAt            time.Time   `json:"decided_at"`
}

// HighestSeverity returns the worst severity among the violations,
// or "" when the verdict is clean.
func (v *Verdict) HighestSeverity() Severity {
	rank := map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4}
	var worst Severity
	for _, viol := range v.Violations {
		if rank[viol.Severity] > rank[worst] {
			worst = viol.Severity
		}
	}
	return worst
}

// ProofRecord is one entry in the append-only hash-chained ledger.
type ProofRecord struct {
	ProofID      string    `json:"proof_id"`
	Position     int       `json:"position"`
	PlanID       string    `json:"plan_id"`
	IntentID     string    `json:"intent_id,omitempty"`
	VerdictID    string    `json:"verdict_id"`
	EntityID     string    `json:"entity_id"`
	ActionType   string    `json:"action_type"`
	Decision     string    `json:"decision"`
	InputsHash   string    `json:"inputs_hash"`
	OutputsHash  string    `json:"outputs_hash"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	Signature    string    `json:"signature,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProofVerification reports integrity of a single record and its chain link.
type ProofVerification struct {
	ProofID    string   `json:"proof_id"`
	Valid      bool     `json:"valid"`
	ChainValid bool     `json:"chain_valid"`
	Issues     []string `json:"issues"`
	VerifiedAt time.Time `json:"verified_at"`
}

// ProofQuery filters ledger records. Results come back in chain order.
type ProofQuery struct {
	EntityID  string     `json:"entity_id,omitempty"`
	IntentID  string     `json:"intent_id,omitempty"`
	VerdictID string     `json:"verdict_id,omitempty"`
	Decision  string     `json:"decision,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Offset    int        `json:"offset,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ProofStats summarizes the ledger.
type ProofStats struct {
	TotalRecords int            `json:"total_records"`
	ByDecision   map[string]int `json:"by_decision"`
	FirstRecord  *time.Time     `json:"first_record,omitempty"`
	LastRecord   *time.Time     `json:"last_record,omitempty"`
	LastHash     string         `json:"last_hash"`
	ChainValid   bool           `json:"chain_valid"`
}

// EntityView is the admin read model for one entity.
type EntityView struct {
	EntityID   string    `json:"entity_id"`
	TrustScore int       `json:"trust_score"`
	TrustLevel int       `json:"trust_level"`
	Tier       string    `json:"tier"`
	Ceiling    int       `json:"ceiling"`
	Halted     bool      `json:"halted"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IntentRequest asks the gateway to normalize a goal into a plan.
type IntentRequest struct {
	EntityID string `json:"entity_id"`
	Goal     string `json:"goal"`
	Context  string `json:"context,omitempty"`
}

// IntentResponse carries the normalized plan or a block.
type IntentResponse struct {
	IntentID     string         `json:"intent_id"`
	Status       IntentStatus   `json:"status"`
	Plan         *Plan          `json:"plan,omitempty"`
	Critic       *CriticVerdict `json:"critic,omitempty"`
	BlockedBy    string         `json:"blocked_by,omitempty"`
	BlockReason  string         `json:"block_reason,omitempty"`
	TrustScore   int            `json:"trust_score"`
	TrustLevel   int            `json:"trust_level"`
	DurationMs   int64          `json:"duration_ms"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// EnforceRequest asks the gateway to evaluate a plan under policy.
type EnforceRequest struct {
	EntityID  string    `json:"entity_id"`
	Plan      *Plan     `json:"plan"`
	RigorMode RigorMode `json:"rigor_mode,omitempty"`
	Record    bool      `json:"record,omitempty"`
}

// EnforceResponse wraps the verdict with the trust view used to decide it.
type EnforceResponse struct {
	Verdict    *Verdict `json:"verdict"`
	TrustScore int      `json:"trust_score"`
	TrustLevel int      `json:"trust_level"`
	ProofID    string   `json:"proof_id,omitempty"`
}

// ID prefixes are part of the public contract; clients route on them.
func NewIntentID(u string) string { return "int_" + u }
func NewPlanID(u string) string   { return "plan_" + u }

// NewLinkedIDs mints a plan id and intent id sharing one uuid so the two
// stay stably linkable.
func NewLinkedIDs() (planID, intentID string) {
	u := uuid.NewString()
	return NewPlanID(u), NewIntentID(u)
}

func NewVerdictID() string { return "vrd_" + uuid.NewString() }
func NewProofID() string   { return "prf_" + uuid.NewString() }
func NewCriticID() string  { return "crit_" + uuid.NewString() }
func NewRequestID() string { return "req_" + uuid.NewString() }

// ClampRisk forces a risk score into [0, 1].
func ClampRisk(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
