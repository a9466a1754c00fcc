package roster

import (
	"fmt"
	"strings"
)

// Rule maps a set of keywords to a specialist role. Keywords within a
// rule are tried in order; the rule matches if any keyword occurs in
// the message.
type Rule struct {
	Keywords []string `json:"keywords"`
	Role     string   `json:"role"`
}

// Routes is an ordered keyword routing table. Evaluation is
// deterministic: rules are tried left-to-right and the first match
// wins, so ambiguity between overlapping keyword sets is resolved by
// registration order. This is a heuristic, not a classifier.
type Routes struct {
	rules []Rule
}

// NewRoutes validates the rules against the roster and returns the
// table. Every rule must target a registered role and carry at least
// one non-empty keyword.
func NewRoutes(rules []Rule, r *Roster) (*Routes, error) {
	for i, rule := range rules {
		if !r.Has(rule.Role) {
			return nil, fmt.Errorf("routing: rule %d targets unknown role %q", i, rule.Role)
		}
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("routing: rule %d for %q has no keywords", i, rule.Role)
		}
		for _, kw := range rule.Keywords {
			if strings.TrimSpace(kw) == "" {
				return nil, fmt.Errorf("routing: rule %d for %q has an empty keyword", i, rule.Role)
			}
		}
	}
	return &Routes{rules: rules}, nil
}

// Route returns the specialist role for a message, matching keywords
// case-insensitively as substrings. Empty or whitespace-only text
// never matches. ok=false means "use the coordinator".
func (t *Routes) Route(text string) (role string, ok bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, rule := range t.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return rule.Role, true
			}
		}
	}
	return "", false
}

// Rules returns the table contents for display.
func (t *Routes) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}
