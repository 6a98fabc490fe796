package contracts

import "time"

// ExceptionStatus is the lifecycle state of an exception.
type ExceptionStatus string

const (
	ExceptionPending  ExceptionStatus = "pending"
	ExceptionApproved ExceptionStatus = "approved"
	ExceptionDenied   ExceptionStatus = "denied"
	ExceptionRevoked  ExceptionStatus = "revoked"
	ExceptionExpired  ExceptionStatus = "expired"
)

// Exception is a time-boxed, justified override that caps a rule's
// effective severity at WARN. Only approved, non-expired exceptions
// affect evaluation. Exceptions are never deleted: every status change
// appends a new revision, preserving the full decision history.
type Exception struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	RuleID        string          `json:"rule_id"`
	Scope         RuleScope       `json:"scope"`
	ScopeRef      string          `json:"scope_ref,omitempty"` // account/security ID; empty for portfolio
	Justification string          `json:"justification"`
	Evidence      string          `json:"evidence,omitempty"`
	ApprovedBy    string          `json:"approved_by,omitempty"`
	Expiry        time.Time       `json:"expiry"`
	Status        ExceptionStatus `json:"status"`
	Revision      int64           `json:"revision"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ActiveAt reports whether the exception caps rules at the given instant.
func (e *Exception) ActiveAt(now time.Time) bool {
	return e.Status == ExceptionApproved && now.Before(e.Expiry)
}

// Covers reports whether the exception reaches a rule instance with the
// given scope and scope ref. A broader exception scope covers every
// narrower instance inside it. At the same scope, refs must match when
// both sides name one; an empty ref on either side means the whole scope.
func (e *Exception) Covers(scope RuleScope, scopeRef string) bool {
	if e.Scope.Rank() > scope.Rank() {
		return true
	}
	if e.Scope != scope {
		return false
	}
	return e.ScopeRef == "" || scopeRef == "" || e.ScopeRef == scopeRef
}
