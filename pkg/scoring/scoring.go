// Package scoring reduces per-rule outcomes into the overall compliance
// score and derives drift between consecutive evaluations.
package scoring

import (
	"math"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

// Overall computes the weighted compliance score over non-INFO results:
// Σ(weight × score) / Σ(weight) × 100, with PASS=1.0, WARN=0.5,
// FAIL=0.0. INFO results are excluded from the denominator — they count
// neither for nor against compliance. An empty denominator scores 100:
// nothing scorable failed.
func Overall(results []contracts.RuleResult, weights map[string]float64) float64 {
	weightedSum := 0.0
	totalWeight := 0.0
	for _, res := range results {
		score, scorable := res.Status.Score()
		if !scorable {
			continue
		}
		w := weights[res.RuleID]
		weightedSum += w * score
		totalWeight += w
	}
	if totalWeight == 0 {
		return 100.0
	}
	return round2(weightedSum / totalWeight * 100)
}

// round2 keeps scores stable across platforms for ledger hashing.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// RuleChange records one rule whose status moved between evaluations.
type RuleChange struct {
	RuleID string               `json:"rule_id"`
	From   contracts.RuleStatus `json:"from"`
	To     contracts.RuleStatus `json:"to"`
}

// Drift is the derived comparison between two evaluations of the same
// constitution version. It is computed on demand, never stored.
type Drift struct {
	FromEvaluationID string       `json:"from_evaluation_id"`
	ToEvaluationID   string       `json:"to_evaluation_id"`
	ScoreDelta       float64      `json:"score_delta"`
	Changes          []RuleChange `json:"changes,omitempty"`
}

// ComputeDrift compares two evaluations rule by rule. Rules present in
// only one evaluation are reported against an empty status.
func ComputeDrift(prev, cur *contracts.Evaluation, prevResults, curResults []contracts.RuleResult) Drift {
	d := Drift{
		FromEvaluationID: prev.ID,
		ToEvaluationID:   cur.ID,
		ScoreDelta:       round2(cur.OverallScore - prev.OverallScore),
	}

	prevByRule := make(map[string]contracts.RuleStatus, len(prevResults))
	for _, res := range prevResults {
		prevByRule[res.RuleID] = res.Status
	}

	seen := make(map[string]bool, len(curResults))
	for _, res := range curResults {
		seen[res.RuleID] = true
		if from, ok := prevByRule[res.RuleID]; !ok || from != res.Status {
			d.Changes = append(d.Changes, RuleChange{RuleID: res.RuleID, From: from, To: res.Status})
		}
	}
	for _, res := range prevResults {
		if !seen[res.RuleID] {
			d.Changes = append(d.Changes, RuleChange{RuleID: res.RuleID, From: res.Status})
		}
	}
	return d
}
