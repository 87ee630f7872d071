package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/haukened/rr-proxy/internal/dns/common/utils"
)

// RuleAction is the closed set of outcomes a rule can produce.
type RuleAction uint8

const (
	RuleActionAllow RuleAction = iota
	RuleActionBlock
	RuleActionRewrite
)

func (a RuleAction) String() string {
	switch a {
	case RuleActionAllow:
		return "allow"
	case RuleActionBlock:
		return "block"
	case RuleActionRewrite:
		return "rewrite"
	}
	return fmt.Sprintf("RuleAction(%d)", a)
}

// ParseRuleAction accepts "allow", "block" and "rewrite" (case-insensitive).
func ParseRuleAction(s string) (RuleAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return RuleActionAllow, nil
	case "block", "deny":
		return RuleActionBlock, nil
	case "rewrite":
		return RuleActionRewrite, nil
	}
	return 0, fmt.Errorf("unsupported rule action: %q", s)
}

// MatchKind selects how a rule pattern is compared against a name.
type MatchKind uint8

const (
	MatchExact MatchKind = iota
	MatchSuffix
	MatchRegexp
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchSuffix:
		return "suffix"
	case MatchRegexp:
		return "regexp"
	}
	return fmt.Sprintf("MatchKind(%d)", k)
}

// Rule is a single allow/block/rewrite rule. Rules are read-only after load.
//
// Pattern syntax:
//   - "example.com"    exact name
//   - "*.example.com"  example.com and every name below it
//   - ".example.com"   same as "*.example.com"
//   - "/^ads[0-9]+\./" regular expression over the canonical name
type Rule struct {
	Pattern string
	Kind    MatchKind
	Name    string
	Types   []RRType
	Action  RuleAction
	Target  string
	re      *regexp.Regexp
}

// NewRule parses pattern and validates the action/target pairing.
func NewRule(pattern string, types []RRType, action RuleAction, target string) (Rule, error) {
	r := Rule{
		Pattern: strings.TrimSpace(pattern),
		Types:   types,
		Action:  action,
		Target:  utils.CanonicalDNSName(target),
	}
	p := r.Pattern
	switch {
	case p == "":
		return Rule{}, fmt.Errorf("rule pattern must not be empty")
	case len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/"):
		re, err := regexp.Compile(p[1 : len(p)-1])
		if err != nil {
			return Rule{}, fmt.Errorf("rule pattern %q: %w", p, err)
		}
		r.Kind, r.re = MatchRegexp, re
	case strings.HasPrefix(p, "*."):
		r.Kind, r.Name = MatchSuffix, utils.CanonicalDNSName(p[2:])
	case strings.HasPrefix(p, "."):
		r.Kind, r.Name = MatchSuffix, utils.CanonicalDNSName(p[1:])
	default:
		r.Kind, r.Name = MatchExact, utils.CanonicalDNSName(p)
	}
	if r.Kind != MatchRegexp && r.Name == "" {
		return Rule{}, fmt.Errorf("rule pattern %q has no name", p)
	}
	switch action {
	case RuleActionRewrite:
		if r.Target == "" {
			return Rule{}, fmt.Errorf("rewrite rule %q requires a target", p)
		}
	case RuleActionAllow, RuleActionBlock:
		if r.Target != "" {
			return Rule{}, fmt.Errorf("%s rule %q must not set a target", action, p)
		}
	default:
		return Rule{}, fmt.Errorf("unsupported rule action: %d", action)
	}
	return r, nil
}

// Matches reports whether the rule applies to a canonical name and type.
func (r Rule) Matches(name string, t RRType) bool {
	if len(r.Types) > 0 && !slices.Contains(r.Types, t) {
		return false
	}
	switch r.Kind {
	case MatchExact:
		return name == r.Name
	case MatchSuffix:
		return utils.IsSubdomainOf(name, r.Name)
	case MatchRegexp:
		return r.re.MatchString(name)
	}
	return false
}

// Decision is the outcome of evaluating a query against the rule engine.
type Decision struct {
	Action RuleAction
	Target string
	// Rule names the rule that produced the decision, "" for the default allow.
	Rule   string
	Source string
}

// AllowDecision is the default when no rule matches.
func AllowDecision() Decision { return Decision{Action: RuleActionAllow} }
