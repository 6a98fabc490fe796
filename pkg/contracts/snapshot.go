package contracts

import "time"

// Snapshot is a point-in-time, privacy-safe view of a user's holdings.
// It carries derived percentages and flags only — raw currency amounts
// never cross into the engine. Ingestion builds one upstream and the
// engine treats it as immutable.
type Snapshot struct {
	Ref    string    `json:"ref"` // canonical content hash, filled by Seal
	UserID string    `json:"user_id"`
	AsOf   time.Time `json:"as_of"`

	// PositionWeights maps security ID to its share of portfolio value,
	// expressed as a fraction in [0,1].
	PositionWeights map[string]float64 `json:"position_weights"`

	// SectorWeights maps sector name to its share of portfolio value.
	SectorWeights map[string]float64 `json:"sector_weights,omitempty"`

	// AccountWeights maps account ID to its share of portfolio value.
	AccountWeights map[string]float64 `json:"account_weights,omitempty"`

	CashPct float64 `json:"cash_pct"`

	// Fundamentals holds optional valuation aggregates (e.g. "portfolio_pe").
	// Absent keys mean the upstream aggregator had no coverage.
	Fundamentals map[string]float64 `json:"fundamentals,omitempty"`

	// Flags carries portfolio modes such as "high_conviction_mode".
	Flags map[string]bool `json:"flags,omitempty"`

	// ResolvedTags maps security ID to its authoritative tag values,
	// prepared by the tag resolver before signal computation.
	ResolvedTags map[string][]string `json:"resolved_tags,omitempty"`
}
