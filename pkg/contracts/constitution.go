package contracts

import "time"

// Severity is the declared weight class of a rule.
type Severity string

const (
	SeverityInfo Severity = "INFO"
	SeverityWarn Severity = "WARN"
	SeverityFail Severity = "FAIL"
)

// RuleScope bounds what a rule (or exception) applies to.
type RuleScope string

const (
	ScopePortfolio RuleScope = "portfolio"
	ScopeAccount   RuleScope = "account"
	ScopeSecurity  RuleScope = "security"
)

// Rank orders scopes from narrowest to broadest. A broader exception
// scope covers every rule instance within it.
func (s RuleScope) Rank() int {
	switch s {
	case ScopePortfolio:
		return 3
	case ScopeAccount:
		return 2
	case ScopeSecurity:
		return 1
	default:
		return 0
	}
}

// Comparator is the comparison operator of a threshold predicate. It
// expresses the COMPLIANT direction: "lte" means the signal must stay at
// or below the threshold.
type Comparator string

const (
	CmpLTE Comparator = "lte"
	CmpGTE Comparator = "gte"
	CmpLT  Comparator = "lt"
	CmpGT  Comparator = "gt"
	CmpEQ  Comparator = "eq"
)

// Predicate is a rule's comparison expression as data. Two forms exist:
//
//   - Threshold form: Signal + Op + Fail (and optionally Warn) bands.
//     FAIL is checked before WARN; a value inside neither band is PASS.
//   - Expression form: FailExpr (and optionally WarnExpr) as raw CEL over
//     the `signals` map, for composite predicates spanning several signals.
//
// Both forms compile at constitution activation, never at evaluation.
type Predicate struct {
	Signal string     `json:"signal,omitempty" yaml:"signal,omitempty"`
	Op     Comparator `json:"op,omitempty" yaml:"op,omitempty"`
	Warn   *float64   `json:"warn,omitempty" yaml:"warn,omitempty"`
	Fail   *float64   `json:"fail,omitempty" yaml:"fail,omitempty"`

	FailExpr string `json:"fail_expr,omitempty" yaml:"fail_expr,omitempty"`
	WarnExpr string `json:"warn_expr,omitempty" yaml:"warn_expr,omitempty"`
}

// Rule is one executable constraint over signal values.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	ArticleID   string    `json:"article_id" yaml:"-"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	Weight      float64   `json:"weight" yaml:"weight"` // [0,1]
	Scope       RuleScope `json:"scope" yaml:"scope"`
	SignalRefs  []string  `json:"signal_refs" yaml:"signal_refs"`
	Predicate   Predicate `json:"predicate" yaml:"predicate"`
}

// Article groups related rules under a named principle.
type Article struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Rules []Rule `json:"rules" yaml:"rules"`
}

// ConstitutionStatus is the lifecycle state of one constitution version.
type ConstitutionStatus string

const (
	ConstitutionDraft      ConstitutionStatus = "draft"
	ConstitutionActive     ConstitutionStatus = "active"
	ConstitutionSuperseded ConstitutionStatus = "superseded"
)

// Constitution is a versioned bundle of articles. Once activated a
// version is frozen; amending creates a new version and supersedes the
// old one, which stays queryable for historical evaluations.
type Constitution struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Name        string             `json:"name" yaml:"name"`
	Version     string             `json:"version"` // semver
	Status      ConstitutionStatus `json:"status"`
	Articles    []Article          `json:"articles" yaml:"articles"`
	Revision    int64              `json:"revision"`
	CreatedAt   time.Time          `json:"created_at"`
	ActivatedAt *time.Time         `json:"activated_at,omitempty"`
}

// Rules returns all rules across articles with ArticleID stamped,
// ordered as declared.
func (c *Constitution) Rules() []Rule {
	var out []Rule
	for _, a := range c.Articles {
		for _, r := range a.Rules {
			r.ArticleID = a.ID
			out = append(out, r)
		}
	}
	return out
}
