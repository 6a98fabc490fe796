package signals

import (
	"fmt"
	"sort"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

// SpeculativeTag is the tag value that marks a holding as speculative
// for concentration accounting.
const SpeculativeTag = "SPECULATIVE"

// RegisterBuiltins installs the standard portfolio signals.
func RegisterBuiltins(r *Registry) error {
	builtins := []Definition{
		{
			Name:     "max_position_pct",
			Requires: []string{"positions"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				max := 0.0
				for _, w := range snap.PositionWeights {
					if w > max {
						max = w
					}
				}
				return max, nil
			},
		},
		{
			Name:     "top5_concentration_pct",
			Requires: []string{"positions"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				weights := make([]float64, 0, len(snap.PositionWeights))
				for _, w := range snap.PositionWeights {
					weights = append(weights, w)
				}
				sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
				sum := 0.0
				for i, w := range weights {
					if i >= 5 {
						break
					}
					sum += w
				}
				return sum, nil
			},
		},
		{
			Name:     "position_count",
			Requires: []string{"positions"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				return float64(len(snap.PositionWeights)), nil
			},
		},
		{
			Name: "cash_pct",
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				return snap.CashPct, nil
			},
		},
		{
			Name:     "sector_max_pct",
			Requires: []string{"sectors"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				max := 0.0
				for _, w := range snap.SectorWeights {
					if w > max {
						max = w
					}
				}
				return max, nil
			},
		},
		{
			// Herfindahl-Hirschman index over sector weights; 1.0 means
			// everything sits in one sector.
			Name:     "sector_hhi",
			Requires: []string{"sectors"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				hhi := 0.0
				for _, w := range snap.SectorWeights {
					hhi += w * w
				}
				return hhi, nil
			},
		},
		{
			Name:     "speculative_share_pct",
			Requires: []string{"positions", "tags"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				share := 0.0
				for securityID, w := range snap.PositionWeights {
					for _, value := range snap.ResolvedTags[securityID] {
						if value == SpeculativeTag {
							share += w
							break
						}
					}
				}
				return share, nil
			},
		},
		{
			Name: "high_conviction_mode",
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				if snap.Flags["high_conviction_mode"] {
					return 1, nil
				}
				return 0, nil
			},
		},
		{
			Name:     "portfolio_pe",
			Requires: []string{"fundamentals:portfolio_pe"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				return snap.Fundamentals["portfolio_pe"], nil
			},
		},
		{
			Name:     "earnings_yield_pct",
			Requires: []string{"fundamentals:portfolio_pe"},
			Compute: func(snap *contracts.Snapshot) (float64, error) {
				pe := snap.Fundamentals["portfolio_pe"]
				if pe <= 0 {
					return 0, fmt.Errorf("%w: non-positive portfolio_pe", ErrNoCoverage)
				}
				return 1 / pe, nil
			},
		},
	}

	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
