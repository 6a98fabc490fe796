// Package tags implements security classification storage and the
// tier-precedence resolver (manual > seed > inferred).
package tags

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

var (
	// ErrDuplicateTag is returned when a security already holds a tag
	// with the same name at the same tier. Ties within a tier are
	// rejected at write time, never resolved at read time.
	ErrDuplicateTag = errors.New("duplicate tag for tier")

	// ErrUnknownTier is returned for tags with an unrecognized source tier.
	ErrUnknownTier = errors.New("unknown tag tier")
)

// Store holds security tags in memory, keyed by security. Tags are
// written by the tagging workflow; higher tiers take precedence at read
// time rather than overwriting lower tiers.
type Store struct {
	mu   sync.RWMutex
	tags map[string][]contracts.SecurityTag // securityID → tags
}

// NewStore creates an empty tag store.
func NewStore() *Store {
	return &Store{tags: make(map[string][]contracts.SecurityTag)}
}

// Put records a tag. A second tag with the same name and tier on one
// security is rejected with ErrDuplicateTag.
func (s *Store) Put(tag contracts.SecurityTag) error {
	if tag.Tier.Rank() == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tag.Tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tags[tag.SecurityID] {
		if existing.Name == tag.Name && existing.Tier == tag.Tier {
			return fmt.Errorf("%w: security %s already has %s tag %q",
				ErrDuplicateTag, tag.SecurityID, tag.Tier, tag.Name)
		}
	}

	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = time.Now().UTC()
	}
	s.tags[tag.SecurityID] = append(s.tags[tag.SecurityID], tag)
	return nil
}

// Get returns all raw tags for a security, across every tier.
func (s *Store) Get(securityID string) []contracts.SecurityTag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.SecurityTag, len(s.tags[securityID]))
	copy(out, s.tags[securityID])
	return out
}
