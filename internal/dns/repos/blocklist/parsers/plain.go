package parsers

import (
	"io"
	"time"

	logpkg "github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// ParsePlainList parses a newline-delimited list of names into BlockRule values.
// Default is exact; leading "*." or "." indicates suffix (apex-inclusive).
// Invalid entries are skipped rather than failing the whole list. The same
// name may appear once as exact and once as suffix.
func ParsePlainList(r io.Reader, source string, logger logpkg.Logger, now time.Time) ([]domain.BlockRule, error) {
	rules := newDedup()
	err := scanEntries(r, func(lineNum int, line string) {
		kind := ruleKindFromRaw(line)
		name := normalizeDomainName(line)
		if !isValidFQDN(name) {
			logger.Debug(map[string]any{"source": source, "line": lineNum, "raw": line}, "Skipping invalid block-list entry")
			return
		}
		rule, err := domain.NewBlockRule(name, kind, source, now)
		if err != nil {
			logger.Debug(map[string]any{"source": source, "line": lineNum, "error": err.Error()}, "Skipping invalid block-list entry")
			return
		}
		rules.add(rule)
	})
	if err != nil {
		return nil, err
	}
	return rules.out, nil
}
