// Package parsers turns block-list files into domain.BlockRule values.
// Two formats are understood: plain lists of names (with "*." or "."
// marking suffix entries) and hosts files.
package parsers

import (
	"bufio"
	"io"
	"strings"
	"unicode"

	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// ruleKindFromRaw decides the BlockRuleKind based on the raw, uncanonicalized input.
// Returns BlockRuleSuffix if the name begins with "*." or ".", otherwise BlockRuleExact.
func ruleKindFromRaw(raw string) domain.BlockRuleKind {
	if strings.HasPrefix(raw, "*.") || strings.HasPrefix(raw, ".") {
		return domain.BlockRuleSuffix
	}
	return domain.BlockRuleExact
}

// isValidFQDN checks whether name is usable as a block-list entry:
// at most 253 characters, at least two labels of 1..63 letters, digits,
// hyphens or underscores, and a first label starting with a letter or digit.
func isValidFQDN(name string) bool {
	if name == "" || len(name) > domain.MaxNameLength {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) > 63 || len(label) == 0 {
			return false
		}
		for _, c := range label {
			if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' && c != '_' {
				return false
			}
		}
	}
	r := []rune(labels[0])
	return unicode.IsLetter(r[0]) || unicode.IsDigit(r[0])
}

// normalizeDomainName strips a leading "*." or "." marker and canonicalizes.
func normalizeDomainName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "*.")
	name = strings.TrimPrefix(name, ".")
	return utils.CanonicalDNSName(name)
}

// scanEntries feeds every non-blank, non-comment line of r to fn with
// inline comments and a leading BOM removed. fn receives the 1-based line
// number.
func scanEntries(r io.Reader, fn func(lineNum int, line string)) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\uFEFF")
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		fn(lineNum, line)
	}
	return scanner.Err()
}

// dedup collects rules, keeping the first occurrence of each name and kind.
type dedup struct {
	seen map[string]struct{}
	out  []domain.BlockRule
}

func newDedup() *dedup {
	return &dedup{seen: map[string]struct{}{}, out: make([]domain.BlockRule, 0, 256)}
}

func (d *dedup) add(r domain.BlockRule) bool {
	key := r.Name + "|" + r.Kind.String()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	d.out = append(d.out, r)
	return true
}
