package parsers

import (
	"bytes"
	"io"
	"net/netip"
	"strings"
	"time"

	logpkg "github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// reservedHostnames appear in most published hosts files and must never be blocked.
var reservedHostnames = map[string]struct{}{
	"localhost.localdomain": {},
	"local.localdomain":     {},
	"ip6-localhost.local":   {},
}

// ParseHostsFile parses /etc/hosts-style content and returns exact BlockRules.
// The address column is ignored; every hostname after it becomes a rule.
// Wildcards and names starting with '.' are not valid hosts syntax and are skipped.
func ParseHostsFile(r io.Reader, source string, logger logpkg.Logger, now time.Time) ([]domain.BlockRule, error) {
	rules := newDedup()
	err := scanEntries(r, func(lineNum int, line string) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			logger.Debug(map[string]any{"source": source, "line": lineNum}, "Hosts line without hostnames")
			return
		}
		for _, raw := range fields[1:] {
			if strings.HasPrefix(raw, ".") || strings.Contains(raw, "*") {
				logger.Debug(map[string]any{"source": source, "line": lineNum, "raw": raw}, "Skipping invalid hosts entry")
				continue
			}
			name := utils.CanonicalDNSName(raw)
			if _, reserved := reservedHostnames[name]; reserved || !isValidFQDN(name) {
				continue
			}
			rule, err := domain.NewExactBlockRule(name, source, now)
			if err != nil {
				continue
			}
			rules.add(rule)
		}
	})
	if err != nil {
		return nil, err
	}
	return rules.out, nil
}

// Parse detects the list format from its first entry: a leading IP address
// means hosts format, anything else a plain list.
func Parse(r io.Reader, source string, logger logpkg.Logger, now time.Time) ([]domain.BlockRule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var decided, hosts bool
	_ = scanEntries(bytes.NewReader(data), func(_ int, line string) {
		if decided {
			return
		}
		decided = true
		if fields := strings.Fields(line); len(fields) > 1 {
			_, perr := netip.ParseAddr(fields[0])
			hosts = perr == nil
		}
	})
	if hosts {
		return ParseHostsFile(bytes.NewReader(data), source, logger, now)
	}
	return ParsePlainList(bytes.NewReader(data), source, logger, now)
}
