// Package planner normalizes free-text goals into structured plans. The
// implementation is rule-based and deterministic: keyword tables drive tool
// inference, data classification, and compositional risk indicators. An LLM
// planner may substitute as long as it honors the same output contract.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basislabs/basis-gateway/internal/core"
)

const baseRisk = 0.1

// toolKeywords maps tool tags to the goal keywords that imply them.
var toolKeywords = map[string][]string{
	core.ToolShell:      {"shell", "command", "execute", "run script", "terminal", "bash"},
	core.ToolFileWrite:  {"write file", "save file", "create file", "append to"},
	core.ToolFileDelete: {"delete", "remove file", "erase", "wipe", "purge"},
	core.ToolNetwork:    {"http", "download", "upload", "fetch url", "api call", "request to"},
	core.ToolDatabase:   {"database", "sql", "query", "table", "insert into"},
	core.ToolEmail:      {"email", "send mail", "inbox", "smtp"},
}

// Euphemisms that soften destructive intent; combined with a system path
// they are treated as a masked destructive action.
var euphemisms = []string{"organize", "clean up", "tidy", "streamline", "optimize away", "declutter", "simplify"}

var systemPaths = []string{"root", "/etc", "/usr", "/bin", "/var", "c:\\windows", "system32", "system directory"}

var destructiveKeywords = []string{"delete", "destroy", "wipe", "erase", "drop", "kill", "terminate", "remove all"}

var modificationVerbs = []string{"modify", "change", "update", "edit", "rename", "move", "alter"}

// Planner derives plans from goals. Stateless; safe for concurrent use.
type Planner struct{}

func New() *Planner { return &Planner{} }

func containsAny(goal string, words []string) (int, []string) {
	var hits []string
	for _, w := range words {
		if strings.Contains(goal, w) {
			hits = append(hits, w)
		}
	}
	return len(hits), hits
}

// Plan builds an immutable plan from the goal. Pure function of its inputs
// plus the id generator.
func (p *Planner) Plan(entityID, goal string) *core.Plan {
	lower := strings.ToLower(goal)
	planID, intentID := core.NewLinkedIDs()

	plan := &core.Plan{
		PlanID:         planID,
		IntentID:       intentID,
		EntityID:       entityID,
		Goal:           goal,
		RiskIndicators: make(map[string]float64),
		CreatedAt:      time.Now().UTC(),
	}

	var trace []string

	// Tools.
	toolSet := make(map[string]bool)
	for tool, words := range toolKeywords {
		if n, hits := containsAny(lower, words); n > 0 {
			toolSet[tool] = true
			trace = append(trace, fmt.Sprintf("tool %s inferred from %v", tool, hits))
		}
	}

	// Data classifications.
	if strings.Contains(lower, "email") || strings.Contains(goal, "@") {
		plan.DataClassifications = append(plan.DataClassifications, core.DataPIIEmail)
	}
	if strings.Contains(lower, "password") || strings.Contains(lower, "credential") {
		plan.DataClassifications = append(plan.DataClassifications, core.DataCredentials)
	}
	if strings.Contains(lower, "ssn") || strings.Contains(lower, "social security") {
		plan.DataClassifications = append(plan.DataClassifications, core.DataPIISSN)
	}

	// Risk indicators, strongest rule first.
	euphCount, euphHits := containsAny(lower, euphemisms)
	pathCount, pathHits := containsAny(lower, systemPaths)
	destrCount, _ := containsAny(lower, destructiveKeywords)
	modCount, _ := containsAny(lower, modificationVerbs)

	forced := false
	switch {
	case euphCount > 0 && pathCount > 0:
		// Euphemism masking a system-path action reads as a disguised
		// destructive operation.
		plan.RiskIndicators["euphemism_attack"] = 0.95
		toolSet[core.ToolFileDelete] = true
		toolSet[core.ToolShell] = true
		forced = true
		trace = append(trace, fmt.Sprintf("euphemism %v combined with system path %v", euphHits, pathHits))
	case euphCount > 0:
		score := 0.5 + 0.1*float64(euphCount)
		if score > 0.7 {
			score = 0.7
		}
		plan.RiskIndicators["suspicious_euphemism"] = score
		trace = append(trace, fmt.Sprintf("euphemistic phrasing detected: %v", euphHits))
	}

	if destrCount > 0 {
		score := 0.3 * float64(destrCount)
		if score > 0.9 {
			score = 0.9
		}
		plan.RiskIndicators["destructive_intent"] = score
	}
	if pathCount > 0 && euphCount == 0 {
		plan.RiskIndicators["system_path_access"] = 0.7
		trace = append(trace, fmt.Sprintf("system path referenced: %v", pathHits))
	}
	if modCount > 0 {
		score := 0.15 * float64(modCount)
		if score > 0.5 {
			score = 0.5
		}
		plan.RiskIndicators["modification_intent"] = score
	}
	if toolSet[core.ToolShell] || toolSet[core.ToolFileDelete] {
		plan.RiskIndicators["dangerous_tools"] = 0.7
	}
	if len(plan.DataClassifications) > 0 {
		plan.RiskIndicators["sensitive_data"] = 0.3
		trace = append(trace, fmt.Sprintf("sensitive data classes: %v", plan.DataClassifications))
	}

	// Finalize tool list in stable order.
	for tool := range toolSet {
		plan.ToolsRequired = append(plan.ToolsRequired, tool)
	}
	sort.Strings(plan.ToolsRequired)

	// risk_score = clamp(max(base, max(indicators))).
	risk := baseRisk
	for _, v := range plan.RiskIndicators {
		if v > risk {
			risk = v
		}
	}
	if forced {
		risk = 0.95
	}
	plan.RiskScore = core.ClampRisk(risk)

	if len(trace) == 0 {
		trace = append(trace, "no risk signals detected")
	}
	plan.ReasoningTrace = fmt.Sprintf("planner: %s (risk=%.2f)", strings.Join(trace, "; "), plan.RiskScore)

	return plan
}
