//go:build property
// +build property

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

func genPositionWeights() gopter.Gen {
	return gen.MapOf(
		gen.RegexMatch(`sec-[a-z]{3}`),
		gen.Float64Range(0, 0.5),
	)
}

// Randomized snapshots evaluated twice must produce byte-identical
// results: same results hash, same snapshot ref, same score.
func TestEvaluateIdempotenceProperty(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("double evaluation is byte-identical", prop.ForAll(
		func(weights map[string]float64, cash float64) bool {
			snap := func() *contracts.Snapshot {
				return &contracts.Snapshot{
					UserID:          "user-prop",
					AsOf:            time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
					PositionWeights: weights,
					CashPct:         cash,
				}
			}
			first, _, err := svc.Evaluate(ctx, c.ID, snap())
			require.NoError(t, err)
			second, _, err := svc.Evaluate(ctx, c.ID, snap())
			require.NoError(t, err)

			return first.ResultsHash == second.ResultsHash &&
				first.SnapshotRef == second.SnapshotRef &&
				first.OverallScore == second.OverallScore &&
				second.Seq > first.Seq
		},
		genPositionWeights().SuchThat(func(m map[string]float64) bool { return len(m) > 0 }),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
