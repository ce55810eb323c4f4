// Package tripwire implements the first enforcement layer: deterministic
// pattern checks on raw goal text. A match blocks the request before any
// other component runs.
package tripwire

import (
	"regexp"
	"strings"
)

// Result is the outcome of a tripwire scan.
type Result struct {
	Triggered        bool   `json:"triggered"`
	PatternName      string `json:"pattern_name,omitempty"`
	MatchedSubstring string `json:"matched_substring,omitempty"`
	Severity         string `json:"severity,omitempty"`
	Injection        bool   `json:"injection,omitempty"`
}

type pattern struct {
	name      string
	re        *regexp.Regexp
	injection bool
}

// injectionFamily names the patterns that count as prompt-injection
// attempts for the circuit breaker's injection counter.
var injectionFamily = map[string]bool{
	"ignore_instructions": true,
	"prompt_override":     true,
	"jailbreak_roleplay":  true,
	"safety_disable":      true,
}

// Matcher holds a compiled, ordered pattern list. First match wins.
type Matcher struct {
	patterns []pattern
}

// Default patterns cover the known prompt-injection and destruction
// families. All tripwire hits are critical.
var defaultPatterns = []struct{ name, expr string }{
	{"ignore_instructions", `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts)`},
	{"prompt_override", `(?i)(disregard|forget|override)\s+(your|the|all)\s+(instructions|rules|guidelines|training)`},
	{"system_prompt_probe", `(?i)(reveal|show|print|repeat)\s+(your|the)\s+system\s+prompt`},
	{"jailbreak_roleplay", `(?i)(pretend|act\s+as|roleplay)\s+.{0,40}(no\s+restrictions|without\s+limits|unrestricted|DAN)`},
	{"mass_destruction", `(?i)(rm\s+-rf\s+/|format\s+c:|drop\s+(table|database)\s+\w+|delete\s+all\s+(files|data|records|users))`},
	{"credential_exfiltration", `(?i)(exfiltrate|leak|steal|dump)\s+.{0,30}(credentials?|secrets?|api\s*keys?|passwords?)`},
	{"self_replication", `(?i)(copy|replicate|propagate)\s+(yourself|itself|this\s+agent)`},
	{"safety_disable", `(?i)(disable|bypass|circumvent|turn\s+off)\s+.{0,30}(safety|guardrails?|filters?|monitoring|tripwires?)`},
}

// NewMatcher compiles the default pattern set.
func NewMatcher() *Matcher {
	m := &Matcher{}
	for _, p := range defaultPatterns {
		m.patterns = append(m.patterns, pattern{
			name:      p.name,
			re:        regexp.MustCompile(p.expr),
			injection: injectionFamily[p.name],
		})
	}
	return m
}

// NewMatcherWithPatterns compiles a custom ordered set. Expressions that
// fail to compile are skipped rather than panicking the gateway.
func NewMatcherWithPatterns(custom map[string]string, order []string) *Matcher {
	m := &Matcher{}
	for _, name := range order {
		expr, ok := custom[name]
		if !ok {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		m.patterns = append(m.patterns, pattern{name: name, re: re, injection: injectionFamily[name]})
	}
	return m
}

// Check scans the goal against the ordered pattern list. Pure and
// deterministic; no state is touched.
func (m *Matcher) Check(goal string) Result {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Result{}
	}
	for _, p := range m.patterns {
		if loc := p.re.FindString(goal); loc != "" {
			return Result{
				Triggered:        true,
				PatternName:      p.name,
				MatchedSubstring: loc,
				Severity:         "critical",
				Injection:        p.injection,
			}
		}
	}
	return Result{}
}

// PatternNames lists the active patterns in scan order.
func (m *Matcher) PatternNames() []string {
	names := make([]string, 0, len(m.patterns))
	for _, p := range m.patterns {
		names = append(names, p.name)
	}
	return names
}
