package tags

import (
	"sort"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

// Resolver computes the authoritative tag set for securities. For each
// tag name the highest-tier tag wins. Inferred-only tags are excluded
// unless explicitly requested, so the rule engine never silently acts on
// a low-confidence guess.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver over a tag store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the highest-priority active tag per name for one
// security, sorted by tag name for deterministic output.
func (r *Resolver) Resolve(securityID string, includeInferred bool) []contracts.SecurityTag {
	best := make(map[string]contracts.SecurityTag)
	for _, tag := range r.store.Get(securityID) {
		if !includeInferred && tag.Tier == contracts.TierInferred {
			continue
		}
		cur, ok := best[tag.Name]
		if !ok || tag.Tier.Rank() > cur.Tier.Rank() {
			best[tag.Name] = tag
		}
	}

	out := make([]contracts.SecurityTag, 0, len(best))
	for _, tag := range best {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveValues returns the resolved tag values per security, the shape
// snapshots carry into signal computation.
func (r *Resolver) ResolveValues(securityIDs []string, includeInferred bool) map[string][]string {
	out := make(map[string][]string, len(securityIDs))
	for _, id := range securityIDs {
		resolved := r.Resolve(id, includeInferred)
		values := make([]string, 0, len(resolved))
		for _, tag := range resolved {
			values = append(values, tag.Value)
		}
		out[id] = values
	}
	return out
}
