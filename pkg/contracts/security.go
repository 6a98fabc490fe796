package contracts

import "time"

// Security is the canonical instrument identity, stable across brokers.
type Security struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
}

// TagTier identifies the provenance of a security tag. Higher tiers win
// at resolution time: manual > seed > inferred.
type TagTier string

const (
	TierManual   TagTier = "manual"
	TierSeed     TagTier = "seed"
	TierInferred TagTier = "inferred"
)

// Rank orders tiers for precedence comparison. Unknown tiers rank lowest.
func (t TagTier) Rank() int {
	switch t {
	case TierManual:
		return 3
	case TierSeed:
		return 2
	case TierInferred:
		return 1
	default:
		return 0
	}
}

// SecurityTag is one classification assertion about a security.
// A security holds at most one tag per (name, tier) pair; the resolver
// surfaces only the highest-tier tag per name.
type SecurityTag struct {
	SecurityID string    `json:"security_id"`
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	Tier       TagTier   `json:"tier"`
	Confidence float64   `json:"confidence"`
	Evidence   string    `json:"evidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
