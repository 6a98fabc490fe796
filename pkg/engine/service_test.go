package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/covenantlabs/covenant/pkg/constitution"
	"github.com/covenantlabs/covenant/pkg/contracts"
	"github.com/covenantlabs/covenant/pkg/exceptions"
	"github.com/covenantlabs/covenant/pkg/interpreter"
	"github.com/covenantlabs/covenant/pkg/ledger"
	"github.com/covenantlabs/covenant/pkg/signals"
	"github.com/covenantlabs/covenant/pkg/tags"
)

const charterYAML = `
name: Capital Preservation Charter
articles:
  - id: art-1
    title: Capital Preservation
    rules:
      - id: r-concentration
        name: Single position limit
        severity: FAIL
        weight: 0.9
        scope: security
        signal_refs: [max_position_pct]
        predicate:
          signal: max_position_pct
          op: lte
          fail: 0.15
      - id: r-speculative
        name: Speculative share limit
        severity: FAIL
        weight: 0.5
        scope: portfolio
        signal_refs: [speculative_share_pct]
        predicate:
          signal: speculative_share_pct
          op: lte
          warn: 0.10
          fail: 0.30
`

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	registry := signals.NewRegistry()
	require.NoError(t, signals.RegisterBuiltins(registry))
	interp, err := interpreter.New(registry)
	require.NoError(t, err)

	store, err := constitution.NewStore(ctx, db)
	require.NoError(t, err)
	mgr, err := exceptions.NewManager(ctx, db, nil)
	require.NoError(t, err)
	led, err := ledger.NewSQLite(ctx, db)
	require.NoError(t, err)

	tagStore := tags.NewStore()
	require.NoError(t, tagStore.Put(contracts.SecurityTag{
		SecurityID: "sec-a", Name: "classification", Value: signals.SpeculativeTag, Tier: contracts.TierManual,
	}))

	svc, err := New(Options{
		Registry:      registry,
		Interpreter:   interp,
		Tags:          tags.NewResolver(tagStore),
		Constitutions: store,
		Exceptions:    mgr,
		Ledger:        led,
	})
	require.NoError(t, err)
	return svc
}

func activeCharter(t *testing.T, svc *Service) *contracts.Constitution {
	t.Helper()
	ctx := context.Background()
	c, err := svc.CreateConstitution(ctx, "user-1", []byte(charterYAML))
	require.NoError(t, err)
	active, err := svc.ActivateConstitution(ctx, c.ID, c.Version)
	require.NoError(t, err)
	return active
}

func testSnapshot() *contracts.Snapshot {
	return &contracts.Snapshot{
		UserID: "user-1",
		AsOf:   time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
		PositionWeights: map[string]float64{
			"sec-a": 0.20,
			"sec-b": 0.10,
			"sec-c": 0.10,
		},
		CashPct: 0.60,
	}
}

func TestEvaluateCommitsRun(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	eval, results, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)
	require.Len(t, results, 2)

	// sec-a at 20% breaches the 15% cap; the speculative share of 20%
	// sits in the WARN band.
	assert.Equal(t, contracts.StatusFail, results[0].Status)
	assert.Equal(t, "r-concentration", results[0].RuleID)
	assert.Equal(t, contracts.StatusWarn, results[1].Status)
	assert.Equal(t, "r-speculative", results[1].RuleID)

	// (0.9×0 + 0.5×0.5) / 1.4 × 100
	assert.InDelta(t, 17.86, eval.OverallScore, 0.001)
	assert.NotEmpty(t, eval.SnapshotRef)
	assert.NotEmpty(t, eval.ResultsHash)
	assert.Equal(t, int64(1), eval.Seq)

	latest, latestResults, err := svc.GetLatestEvaluation(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, eval.ID, latest.ID)
	assert.Len(t, latestResults, 2)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	first, _, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)
	second, _, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)

	// Each run is its own ledger record, but identical inputs produce
	// byte-identical results.
	assert.NotEqual(t, first.ID, second.ID)
	assert.Greater(t, second.Seq, first.Seq)
	assert.Equal(t, first.ResultsHash, second.ResultsHash)
	assert.Equal(t, first.SnapshotRef, second.SnapshotRef)
	assert.Equal(t, first.OverallScore, second.OverallScore)
}

func TestEvaluateWithApprovedException(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	ex, err := svc.CreateException(ctx, contracts.Exception{
		UserID:        "user-1",
		RuleID:        "r-concentration",
		Scope:         contracts.ScopePortfolio,
		Justification: "earnings conviction",
		Expiry:        time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = svc.DecideException(ctx, ex.ID, true, "reviewer-1", ex.Revision)
	require.NoError(t, err)

	eval, results, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)

	assert.Equal(t, contracts.StatusWarn, results[0].Status)
	assert.True(t, results[0].ExceptionApplied)
	assert.Equal(t, ex.ID, results[0].ExceptionID)
	// (0.9×0.5 + 0.5×0.5) / 1.4 × 100
	assert.InDelta(t, 50.0, eval.OverallScore, 0.001)
}

func TestRevokedExceptionStopsCapping(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	ex, err := svc.CreateException(ctx, contracts.Exception{
		UserID:        "user-1",
		RuleID:        "r-concentration",
		Scope:         contracts.ScopePortfolio,
		Justification: "earnings conviction",
		Expiry:        time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	approved, err := svc.DecideException(ctx, ex.ID, true, "reviewer-1", ex.Revision)
	require.NoError(t, err)
	_, err = svc.RevokeException(ctx, ex.ID, "reviewer-1", approved.Revision)
	require.NoError(t, err)

	_, results, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFail, results[0].Status)
	assert.False(t, results[0].ExceptionApplied)
}

func TestAmendmentPreservesPriorEvaluations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	first, _, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", first.ConstitutionVersion)

	amended, err := svc.AmendConstitution(ctx, c.ID, []byte(charterYAML))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", amended.Version)
	assert.Equal(t, contracts.ConstitutionActive, amended.Status)

	second, _, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", second.ConstitutionVersion)

	// The run recorded under the superseded version stays queryable.
	latest, _, err := svc.GetLatestEvaluation(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestActivateRejectsUnknownSignal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	bad := `
name: Broken
articles:
  - id: a1
    title: T
    rules:
      - id: r1
        name: n
        severity: FAIL
        weight: 1
        scope: portfolio
        signal_refs: [does_not_exist]
        predicate:
          signal: does_not_exist
          op: lte
          fail: 0.5
`
	c, err := svc.CreateConstitution(ctx, "user-1", []byte(bad))
	require.NoError(t, err)

	_, err = svc.ActivateConstitution(ctx, c.ID, c.Version)
	assert.ErrorIs(t, err, signals.ErrUnknownSignal)

	// The draft never activated, so evaluation has nothing to run.
	_, _, err = svc.Evaluate(ctx, c.ID, testSnapshot())
	assert.ErrorIs(t, err, constitution.ErrNoActiveVersion)
}

func TestDriftBetweenRuns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	_, _, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)

	// Trimming sec-a below the cap flips the concentration rule.
	improved := testSnapshot()
	improved.PositionWeights["sec-a"] = 0.10
	_, _, err = svc.Evaluate(ctx, c.ID, improved)
	require.NoError(t, err)

	drift, err := svc.Drift(ctx, "user-1", "1.0.0")
	require.NoError(t, err)
	assert.Positive(t, drift.ScoreDelta)
	require.Len(t, drift.Changes, 2)
	assert.Equal(t, "r-concentration", drift.Changes[0].RuleID)
	assert.Equal(t, contracts.StatusFail, drift.Changes[0].From)
	assert.Equal(t, contracts.StatusPass, drift.Changes[0].To)
}

func TestDriftNeedsTwoRuns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := activeCharter(t, svc)

	_, _, err := svc.Evaluate(ctx, c.ID, testSnapshot())
	require.NoError(t, err)

	_, err = svc.Drift(ctx, "user-1", "1.0.0")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestKeyedMutexFailsFast(t *testing.T) {
	locks := NewKeyedMutex()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "user-1")
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "user-1")
	assert.ErrorIs(t, err, ErrLockHeld)

	// Different key is independent.
	other, err := locks.Acquire(ctx, "user-2")
	require.NoError(t, err)
	other()

	release()
	release2, err := locks.Acquire(ctx, "user-1")
	require.NoError(t, err)
	release2()
}
