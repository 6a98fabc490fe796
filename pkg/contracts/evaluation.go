package contracts

import "time"

// RuleStatus is the outcome of evaluating one rule.
type RuleStatus string

const (
	StatusPass RuleStatus = "PASS"
	StatusWarn RuleStatus = "WARN"
	StatusFail RuleStatus = "FAIL"
	StatusInfo RuleStatus = "INFO"
)

// Score maps a rule status to its compliance contribution.
// INFO does not score; it is excluded from the denominator entirely.
func (s RuleStatus) Score() (float64, bool) {
	switch s {
	case StatusPass:
		return 1.0, true
	case StatusWarn:
		return 0.5, true
	case StatusFail:
		return 0.0, true
	default:
		return 0, false
	}
}

// ReasonDataInsufficient annotates INFO results caused by unavailable
// signal inputs.
const ReasonDataInsufficient = "data_insufficient"

// RuleResult is the immutable record of one rule within one evaluation.
type RuleResult struct {
	EvaluationID     string             `json:"evaluation_id"`
	RuleID           string             `json:"rule_id"`
	ArticleID        string             `json:"article_id,omitempty"`
	Status           RuleStatus         `json:"status"`
	Reason           string             `json:"reason,omitempty"`
	SignalValues     map[string]float64 `json:"signal_values_used"`
	ExceptionApplied bool               `json:"exception_applied"`
	ExceptionID      string             `json:"exception_id,omitempty"`
}

// Evaluation is one immutable ledger entry: a complete scoring run of a
// constitution version against a snapshot. Corrections happen by running
// a new evaluation, never by editing history.
type Evaluation struct {
	ID                  string    `json:"id"`
	Seq                 int64     `json:"seq"` // ledger sequence, assigned at commit
	UserID              string    `json:"user_id"`
	ConstitutionID      string    `json:"constitution_id"`
	ConstitutionVersion string    `json:"constitution_version"`
	SnapshotRef         string    `json:"snapshot_ref"`
	CreatedAt           time.Time `json:"created_at"`
	OverallScore        float64   `json:"overall_score"`
	ResultsHash         string    `json:"results_hash"`
}
