package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const yamlRules = `
rules:
  - match: "allowed.ads.example"
    action: allow
  - match: "*.ads.example"
    action: block
  - match: intranet.example
    types: [A, aaaa]
    action: rewrite
    target: Gateway.Internal.Example.
  - match: "/^tracker[0-9]+\\.example$/"
    action: deny
`

const jsonRules = `{"rules": [
  {"match": "*.ads.example", "action": "block"},
  {"match": "intranet.example", "types": ["A"], "action": "rewrite", "target": "gateway.internal.example"}
]}`

const tomlRules = `
[[rules]]
match = "*.ads.example"
action = "block"

[[rules]]
match = "intranet.example"
types = ["A"]
action = "rewrite"
target = "gateway.internal.example"
`

func TestLoadFile_Formats(t *testing.T) {
	tests := []struct {
		file    string
		content string
		count   int
	}{
		{"rules.yaml", yamlRules, 4},
		{"rules.yml", yamlRules, 4},
		{"rules.json", jsonRules, 2},
		{"rules.toml", tomlRules, 2},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			got, err := LoadFile(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)
			require.Len(t, got, tt.count)

			var rewrite domain.Rule
			for _, r := range got {
				if r.Action == domain.RuleActionRewrite {
					rewrite = r
				}
			}
			assert.Equal(t, "intranet.example", rewrite.Name)
			assert.Equal(t, "gateway.internal.example", rewrite.Target)
			assert.Contains(t, rewrite.Types, domain.RRTypeA)
		})
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "rules.ini", "rules = []"},
		{"bad action", "rules.yaml", "rules:\n  - match: a.example\n    action: drop\n"},
		{"rewrite without target", "rules.yaml", "rules:\n  - match: a.example\n    action: rewrite\n"},
		{"block with target", "rules.yaml", "rules:\n  - match: a.example\n    action: block\n    target: b.example\n"},
		{"bad type", "rules.yaml", "rules:\n  - match: a.example\n    types: [NOPE]\n    action: block\n"},
		{"bad regexp", "rules.yaml", "rules:\n  - match: \"/([/\"\n    action: block\n"},
		{"malformed yaml", "rules.yaml", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type stubBlocklist struct {
	blocked map[string]domain.BlockDecision
}

func (s stubBlocklist) Decide(name string) domain.BlockDecision {
	return s.blocked[name]
}

func (stubBlocklist) UpdateAll([]domain.BlockRule, uint64, int64) error { return nil }

func (stubBlocklist) Stats() blocklist.RepoStats { return blocklist.RepoStats{} }

func TestEngine_Evaluate(t *testing.T) {
	rules, err := LoadFile(writeFile(t, "rules.yaml", yamlRules))
	require.NoError(t, err)
	bl := stubBlocklist{blocked: map[string]domain.BlockDecision{
		"malware.example":     {Blocked: true, MatchedRule: "malware.example", Source: "hosts", Kind: domain.BlockRuleExact},
		"allowed.ads.example": {Blocked: true, MatchedRule: "ads.example", Source: "list", Kind: domain.BlockRuleSuffix},
	}}
	e := NewEngine(rules, bl, nil)
	assert.Equal(t, 4, e.Len())

	tests := []struct {
		name   string
		qname  string
		qtype  domain.RRType
		action domain.RuleAction
		target string
		rule   string
		source string
	}{
		{"first match wins over later block", "allowed.ads.example", domain.RRTypeA, domain.RuleActionAllow, "", "allowed.ads.example", SourceRules},
		{"suffix block", "x.ads.example", domain.RRTypeA, domain.RuleActionBlock, "", "*.ads.example", SourceRules},
		{"suffix block is apex inclusive", "ADS.example.", domain.RRTypeA, domain.RuleActionBlock, "", "*.ads.example", SourceRules},
		{"rewrite for listed type", "intranet.example", domain.RRTypeAAAA, domain.RuleActionRewrite, "gateway.internal.example", "intranet.example", SourceRules},
		{"type filter skips rewrite", "intranet.example", domain.RRTypeMX, domain.RuleActionAllow, "", "", ""},
		{"regexp", "tracker42.example", domain.RRTypeA, domain.RuleActionBlock, "", `/^tracker[0-9]+\.example$/`, SourceRules},
		{"blocklist fallback", "malware.example", domain.RRTypeA, domain.RuleActionBlock, "", "malware.example", "hosts"},
		{"default allow", "example.org", domain.RRTypeA, domain.RuleActionAllow, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := domain.Query{Question: domain.Question{Name: tt.qname, Type: tt.qtype, Class: domain.RRClassIN}}
			d := e.Evaluate(q)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.target, d.Target)
			assert.Equal(t, tt.rule, d.Rule)
			assert.Equal(t, tt.source, d.Source)
		})
	}
}

func TestEngine_NoRulesNoBlocklist(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	d := e.Evaluate(domain.Query{Question: domain.Question{Name: "example.com", Type: domain.RRTypeA, Class: domain.RRClassIN}})
	assert.Equal(t, domain.AllowDecision(), d)
}
