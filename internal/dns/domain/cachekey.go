package domain

import (
	"github.com/haukened/rr-proxy/internal/dns/common/utils"
)

// GenerateCacheKey returns a consistent cache key derived from a DNS name, type, and class.
// Format: "apex|name|type|class" (e.g. "example.com|www.example.com|A|IN").
// The pipe separator avoids clashes with colons in IPv6 reverse names.
func GenerateCacheKey(name string, t RRType, c RRClass) string {
	name = utils.CanonicalDNSName(name)
	return utils.GetApexDomain(name) + "|" + name + "|" + t.String() + "|" + c.String()
}
