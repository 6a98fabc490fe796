package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

func TestOverallWorkedExample(t *testing.T) {
	// R1 weight=0.9 FAIL, R2 weight=0.5 PASS:
	// (0.9×0 + 0.5×1) / 1.4 × 100 = 35.71
	results := []contracts.RuleResult{
		{RuleID: "r1", Status: contracts.StatusFail},
		{RuleID: "r2", Status: contracts.StatusPass},
	}
	weights := map[string]float64{"r1": 0.9, "r2": 0.5}

	assert.InDelta(t, 35.71, Overall(results, weights), 0.001)
}

func TestOverallExcludesInfo(t *testing.T) {
	results := []contracts.RuleResult{
		{RuleID: "r1", Status: contracts.StatusPass},
		{RuleID: "r2", Status: contracts.StatusInfo}, // excluded from denominator
	}
	weights := map[string]float64{"r1": 0.5, "r2": 0.9}

	assert.InDelta(t, 100.0, Overall(results, weights), 0.001)
}

func TestOverallWarnScoresHalf(t *testing.T) {
	results := []contracts.RuleResult{{RuleID: "r1", Status: contracts.StatusWarn}}
	weights := map[string]float64{"r1": 1.0}

	assert.InDelta(t, 50.0, Overall(results, weights), 0.001)
}

func TestOverallEmptyDenominator(t *testing.T) {
	assert.InDelta(t, 100.0, Overall(nil, nil), 0.001)

	infoOnly := []contracts.RuleResult{{RuleID: "r1", Status: contracts.StatusInfo}}
	assert.InDelta(t, 100.0, Overall(infoOnly, map[string]float64{"r1": 1.0}), 0.001)
}

func TestStatusScoreMapping(t *testing.T) {
	for status, want := range map[contracts.RuleStatus]float64{
		contracts.StatusPass: 1.0,
		contracts.StatusWarn: 0.5,
		contracts.StatusFail: 0.0,
	} {
		score, scorable := status.Score()
		assert.True(t, scorable, status)
		assert.Equal(t, want, score, status)
	}
	_, scorable := contracts.StatusInfo.Score()
	assert.False(t, scorable)
}

func TestComputeDrift(t *testing.T) {
	prev := &contracts.Evaluation{ID: "e1", OverallScore: 80}
	cur := &contracts.Evaluation{ID: "e2", OverallScore: 62.5}
	prevResults := []contracts.RuleResult{
		{RuleID: "r1", Status: contracts.StatusPass},
		{RuleID: "r2", Status: contracts.StatusPass},
	}
	curResults := []contracts.RuleResult{
		{RuleID: "r1", Status: contracts.StatusPass},
		{RuleID: "r2", Status: contracts.StatusFail},
	}

	d := ComputeDrift(prev, cur, prevResults, curResults)
	assert.Equal(t, "e1", d.FromEvaluationID)
	assert.Equal(t, "e2", d.ToEvaluationID)
	assert.InDelta(t, -17.5, d.ScoreDelta, 0.001)
	assert.Equal(t, []RuleChange{
		{RuleID: "r2", From: contracts.StatusPass, To: contracts.StatusFail},
	}, d.Changes)
}

func TestComputeDriftNoChanges(t *testing.T) {
	prev := &contracts.Evaluation{ID: "e1", OverallScore: 90}
	cur := &contracts.Evaluation{ID: "e2", OverallScore: 90}
	results := []contracts.RuleResult{{RuleID: "r1", Status: contracts.StatusPass}}

	d := ComputeDrift(prev, cur, results, results)
	assert.Zero(t, d.ScoreDelta)
	assert.Empty(t, d.Changes)
}
