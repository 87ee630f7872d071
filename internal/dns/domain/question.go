package domain

import (
	"fmt"
	"strings"

	"github.com/haukened/rr-proxy/internal/dns/common/utils"
)

// MaxNameLength is the longest presentation-form name (without trailing dot)
// that fits in 255 wire octets.
const MaxNameLength = 253

// Question is a single entry of the question section.
// Name is held in presentation form without a trailing dot; the root is "".
type Question struct {
	Name  string
	Type  RRType
	Class RRClass
}

// NewQuestion constructs a Question and validates its fields.
func NewQuestion(name string, rrtype RRType, class RRClass) (Question, error) {
	q := Question{
		Name:  utils.TrimRootDot(strings.TrimSpace(name)),
		Type:  rrtype,
		Class: class,
	}
	if err := q.Validate(); err != nil {
		return Question{}, err
	}
	return q, nil
}

// Validate checks whether the Question fields are structurally valid.
// Unknown types are allowed, a forwarder must not filter them.
func (q Question) Validate() error {
	if len(q.Name) > MaxNameLength {
		return fmt.Errorf("query name exceeds %d characters", MaxNameLength)
	}
	if q.Type == 0 {
		return fmt.Errorf("query type must be set")
	}
	if q.Class == 0 {
		return fmt.Errorf("query class must be set")
	}
	return nil
}

// Matches reports whether o asks the same thing as q. Names compare case-insensitively.
func (q Question) Matches(o Question) bool {
	return q.Type == o.Type && q.Class == o.Class &&
		utils.CanonicalDNSName(q.Name) == utils.CanonicalDNSName(o.Name)
}

// CacheKey returns a cache key string derived from the question's name, type, and class.
func (q Question) CacheKey() string {
	return GenerateCacheKey(q.Name, q.Type, q.Class)
}

func (q Question) String() string {
	return fmt.Sprintf("%s. %s %s", q.Name, q.Class, q.Type)
}
