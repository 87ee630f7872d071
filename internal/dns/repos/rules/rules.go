// Package rules loads the ordered allow/block/rewrite rule list and evaluates
// queries against it, falling back to the block lists.
package rules

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

// SourceRules marks decisions taken by the explicit rule list.
const SourceRules = "rules"

// ruleSpec is one entry of the rules file.
type ruleSpec struct {
	Match  string   `koanf:"match"`
	Types  []string `koanf:"types"`
	Action string   `koanf:"action"`
	Target string   `koanf:"target"`
}

// LoadFile reads a YAML, JSON or TOML rules file, chosen by extension:
//
//	rules:
//	  - match: "*.ads.example"
//	    action: block
//	  - match: intranet.example
//	    types: [A, AAAA]
//	    action: rewrite
//	    target: gateway.internal.example
//
// Rules keep file order. Any invalid entry fails the whole load.
func LoadFile(path string) ([]domain.Rule, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return nil, fmt.Errorf("unsupported rules file type: %s", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load rules file %s: %w", path, err)
	}
	var specs []ruleSpec
	if err := k.Unmarshal("rules", &specs); err != nil {
		return nil, fmt.Errorf("failed to decode rules in %s: %w", path, err)
	}

	out := make([]domain.Rule, 0, len(specs))
	for i, s := range specs {
		r, err := s.rule()
		if err != nil {
			return nil, fmt.Errorf("%s: rule %d: %w", path, i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s ruleSpec) rule() (domain.Rule, error) {
	action, err := domain.ParseRuleAction(s.Action)
	if err != nil {
		return domain.Rule{}, err
	}
	var types []domain.RRType
	for _, t := range s.Types {
		rt := domain.RRTypeFromString(t)
		if rt == 0 {
			return domain.Rule{}, fmt.Errorf("unknown record type %q", t)
		}
		types = append(types, rt)
	}
	return domain.NewRule(s.Match, types, action, s.Target)
}

// Engine evaluates queries against the explicit rules first, in order, and
// then against the block lists. Both are read-only once built.
type Engine struct {
	rules     []domain.Rule
	blocklist blocklist.Repository
	logger    log.Logger
}

// NewEngine builds an Engine. bl may be nil when no block lists are configured.
func NewEngine(rules []domain.Rule, bl blocklist.Repository, logger log.Logger) *Engine {
	if bl == nil {
		bl = blocklist.NoopRepository{}
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Engine{rules: rules, blocklist: bl, logger: logger}
}

// Evaluate returns the first matching rule's decision, a block decision from
// the block lists, or Allow.
func (e *Engine) Evaluate(q domain.Query) domain.Decision {
	name := utils.CanonicalDNSName(q.Name)
	for _, r := range e.rules {
		if r.Matches(name, q.Type) {
			e.logger.Debug(map[string]any{
				"name":   name,
				"rule":   r.Pattern,
				"action": r.Action.String(),
			}, "Rule matched")
			return domain.Decision{Action: r.Action, Target: r.Target, Rule: r.Pattern, Source: SourceRules}
		}
	}
	return e.blocklist.Decide(name).Decision()
}

// Len returns the number of explicit rules.
func (e *Engine) Len() int { return len(e.rules) }

var _ resolver.RuleEngine = (*Engine)(nil)
