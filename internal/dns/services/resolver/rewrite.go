package resolver

import (
	"fmt"

	"github.com/haukened/rr-proxy/internal/dns/common/rrdata"
	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// rewriteChain tracks progress while following rewrite rules for one query.
type rewriteChain struct {
	// current is the query as rewritten so far.
	current domain.Query
	// cnames holds one synthesized CNAME per hop, in order.
	cnames []domain.ResourceRecord
	// visited holds every canonical name the chain has passed through.
	visited map[string]struct{}
}

func newRewriteChain(q domain.Query) *rewriteChain {
	return &rewriteChain{
		current: q,
		visited: map[string]struct{}{utils.CanonicalDNSName(q.Name): {}},
	}
}

// follow moves the chain to target. It fails with ErrRewriteLoopDetected
// when the hop would exceed maxHops or revisit a name.
func (r *Resolver) follow(c *rewriteChain, d domain.Decision) error {
	target := utils.CanonicalDNSName(d.Target)
	fields := map[string]any{
		"query":  c.current.Question.String(),
		"target": target,
		"rule":   d.Rule,
		"hops":   len(c.cnames) + 1,
	}
	if len(c.cnames) >= r.maxRewrites {
		r.logger.Warn(fields, "Rewrite depth exceeded")
		return fmt.Errorf("%w: more than %d rewrites for %s", domain.ErrRewriteLoopDetected, r.maxRewrites, c.current.Name)
	}
	if _, seen := c.visited[target]; seen {
		r.logger.Warn(fields, "Rewrite loop detected")
		return fmt.Errorf("%w: %s revisited", domain.ErrRewriteLoopDetected, target)
	}
	data, err := rrdata.EncodeDomainName(target)
	if err != nil {
		return fmt.Errorf("rewrite target %q: %w", d.Target, err)
	}
	next, err := domain.NewQuestion(target, c.current.Type, c.current.Class)
	if err != nil {
		return fmt.Errorf("rewrite target %q: %w", d.Target, err)
	}
	c.visited[target] = struct{}{}
	c.cnames = append(c.cnames, domain.ResourceRecord{
		Name:  utils.CanonicalDNSName(c.current.Name),
		Type:  domain.RRTypeCNAME,
		Class: c.current.Class,
		TTL:   r.rewriteTTL,
		Data:  data,
	})
	c.current.Question = next
	r.logger.Debug(fields, "Query rewritten")
	return nil
}
