package domain

// BlockDecision is the result of checking a name against the block lists.
type BlockDecision struct {
	Blocked     bool
	MatchedRule string // listed name that matched
	Source      string
	Kind        BlockRuleKind
}

func (d BlockDecision) IsBlocked() bool { return d.Blocked }

// EmptyDecision returns a not-blocked decision.
func EmptyDecision() BlockDecision { return BlockDecision{} }

// Decision converts a block-list hit into a rule engine decision.
func (d BlockDecision) Decision() Decision {
	if !d.Blocked {
		return AllowDecision()
	}
	pattern := d.MatchedRule
	if d.Kind == BlockRuleSuffix {
		pattern = "*." + pattern
	}
	return Decision{Action: RuleActionBlock, Rule: pattern, Source: d.Source}
}
