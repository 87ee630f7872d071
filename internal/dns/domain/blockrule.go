package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/haukened/rr-proxy/internal/dns/common/utils"
)

// BlockRuleKind defines how a block-list entry matches names.
type BlockRuleKind uint8

const (
	// BlockRuleExact matches only the listed name.
	BlockRuleExact BlockRuleKind = iota
	// BlockRuleSuffix matches the listed name and everything below it.
	BlockRuleSuffix
)

func (k BlockRuleKind) String() string {
	switch k {
	case BlockRuleExact:
		return "exact"
	case BlockRuleSuffix:
		return "suffix"
	}
	return fmt.Sprintf("BlockRuleKind(%d)", k)
}

// BlockRule is one entry of a block list file.
type BlockRule struct {
	Name    string // canonical, no trailing dot
	Kind    BlockRuleKind
	Source  string // list file the entry came from
	AddedAt time.Time
}

// NewBlockRule canonicalizes name and validates the result.
func NewBlockRule(name string, kind BlockRuleKind, source string, addedAt time.Time) (BlockRule, error) {
	r := BlockRule{
		Name:    utils.CanonicalDNSName(name),
		Kind:    kind,
		Source:  strings.TrimSpace(source),
		AddedAt: addedAt,
	}
	if err := r.Validate(); err != nil {
		return BlockRule{}, err
	}
	return r, nil
}

func NewExactBlockRule(name, source string, addedAt time.Time) (BlockRule, error) {
	return NewBlockRule(name, BlockRuleExact, source, addedAt)
}

func NewSuffixBlockRule(name, source string, addedAt time.Time) (BlockRule, error) {
	return NewBlockRule(name, BlockRuleSuffix, source, addedAt)
}

// Validate checks the BlockRule for required fields and supported values.
func (r BlockRule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("rule name must not be empty")
	case r.Source == "":
		return fmt.Errorf("rule source must not be empty")
	case r.AddedAt.IsZero():
		return fmt.Errorf("rule addedAt must be set")
	case r.Kind != BlockRuleExact && r.Kind != BlockRuleSuffix:
		return fmt.Errorf("unsupported BlockRuleKind: %d", r.Kind)
	}
	return nil
}

func (r BlockRule) IsExact() bool  { return r.Kind == BlockRuleExact }
func (r BlockRule) IsSuffix() bool { return r.Kind == BlockRuleSuffix }

// Matches reports whether the canonical name is covered by this entry.
func (r BlockRule) Matches(name string) bool {
	if r.IsExact() {
		return name == r.Name
	}
	return utils.IsSubdomainOf(name, r.Name)
}
