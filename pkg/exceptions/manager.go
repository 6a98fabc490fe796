// Package exceptions manages time-boxed rule overrides. State changes
// are append-only: every transition inserts a new revision row, so the
// full history of when and why a rule was relaxed survives as evidence.
// Decisions are guarded by optimistic versioning — a stale revision
// fails instead of silently overwriting a newer decision.
package exceptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

var (
	ErrNotFound = errors.New("exception not found")

	// ErrConcurrentModification is returned when a decision carries a
	// stale revision; the caller must re-read and retry.
	ErrConcurrentModification = errors.New("concurrent exception modification")

	// ErrInvalidTransition guards the state machine: only pending
	// exceptions can be decided, only approved ones revoked.
	ErrInvalidTransition = errors.New("invalid exception transition")

	// ErrExceptionExpired is returned when deciding an exception whose
	// expiry has already passed.
	ErrExceptionExpired = errors.New("exception expired")
)

// Manager persists exceptions and drives their lifecycle:
// pending → approved/denied, approved → revoked/expired.
type Manager struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewManager creates a manager and runs migrations.
func NewManager(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{db: db, logger: logger.With("component", "exceptions"), clock: time.Now}
	if err := m.migrate(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exception_revisions (
		exception_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_ref TEXT NOT NULL DEFAULT '',
		justification TEXT NOT NULL,
		evidence TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		expiry TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (exception_id, revision)
	);`
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

// Create records a new exception in pending state.
func (m *Manager) Create(ctx context.Context, ex contracts.Exception) (*contracts.Exception, error) {
	if ex.RuleID == "" || ex.UserID == "" {
		return nil, errors.New("exception requires user_id and rule_id")
	}
	if ex.Justification == "" {
		return nil, errors.New("exception requires a justification")
	}
	if ex.Expiry.IsZero() {
		return nil, errors.New("exception requires an expiry")
	}
	if ex.Scope.Rank() == 0 {
		return nil, fmt.Errorf("unknown exception scope %q", ex.Scope)
	}

	ex.ID = uuid.New().String()
	ex.Status = contracts.ExceptionPending
	ex.Revision = 1
	ex.CreatedAt = m.clock().UTC()

	if err := m.insertRevision(ctx, &ex); err != nil {
		return nil, err
	}
	m.logger.Info("exception created", "exception_id", ex.ID, "rule_id", ex.RuleID, "expiry", ex.Expiry)
	return &ex, nil
}

func (m *Manager) insertRevision(ctx context.Context, ex *contracts.Exception) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO exception_revisions
			(exception_id, revision, user_id, rule_id, scope, scope_ref, justification, evidence, approved_by, expiry, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Revision, ex.UserID, ex.RuleID, ex.Scope, ex.ScopeRef,
		ex.Justification, ex.Evidence, ex.ApprovedBy,
		ex.Expiry.UTC().Format(time.RFC3339Nano), ex.Status,
		ex.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		// The (exception_id, revision) primary key doubles as the race
		// detector: a concurrent writer landed this revision first.
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: revision %d already written", ErrConcurrentModification, ex.Revision)
		}
		return fmt.Errorf("insert exception revision: %w", err)
	}
	return nil
}

// Get loads the current state of an exception (its max revision).
func (m *Manager) Get(ctx context.Context, id string) (*contracts.Exception, error) {
	row := m.db.QueryRowContext(ctx, selectRevision+`
		WHERE exception_id = ? ORDER BY revision DESC LIMIT 1`, id)
	return scanException(row)
}

// Decide approves or denies a pending exception. expectedRevision is the
// revision the caller read; if the exception has moved on since,
// ErrConcurrentModification is returned.
func (m *Manager) Decide(ctx context.Context, id string, approve bool, actor string, expectedRevision int64) (*contracts.Exception, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Revision != expectedRevision {
		return nil, fmt.Errorf("%w: have revision %d, expected %d", ErrConcurrentModification, cur.Revision, expectedRevision)
	}
	if cur.Status != contracts.ExceptionPending {
		return nil, fmt.Errorf("%w: cannot decide %s exception", ErrInvalidTransition, cur.Status)
	}
	now := m.clock().UTC()
	if !now.Before(cur.Expiry) {
		return nil, fmt.Errorf("%w: expired %s", ErrExceptionExpired, cur.Expiry.Format(time.RFC3339))
	}

	next := *cur
	next.Revision = cur.Revision + 1
	next.ApprovedBy = actor
	next.CreatedAt = now
	if approve {
		next.Status = contracts.ExceptionApproved
	} else {
		next.Status = contracts.ExceptionDenied
	}

	if err := m.insertRevision(ctx, &next); err != nil {
		return nil, err
	}
	m.logger.Info("exception decided", "exception_id", id, "status", next.Status, "actor", actor)
	return &next, nil
}

// Revoke withdraws an approved exception before its expiry.
func (m *Manager) Revoke(ctx context.Context, id, actor string, expectedRevision int64) (*contracts.Exception, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Revision != expectedRevision {
		return nil, fmt.Errorf("%w: have revision %d, expected %d", ErrConcurrentModification, cur.Revision, expectedRevision)
	}
	if cur.Status != contracts.ExceptionApproved {
		return nil, fmt.Errorf("%w: cannot revoke %s exception", ErrInvalidTransition, cur.Status)
	}

	next := *cur
	next.Revision = cur.Revision + 1
	next.Status = contracts.ExceptionRevoked
	next.ApprovedBy = actor
	next.CreatedAt = m.clock().UTC()

	if err := m.insertRevision(ctx, &next); err != nil {
		return nil, err
	}
	m.logger.Info("exception revoked", "exception_id", id, "actor", actor)
	return &next, nil
}

// Sweep transitions approved exceptions past their expiry to expired and
// returns the newly expired set, so the notification collaborator can
// surface them as alerts.
func (m *Manager) Sweep(ctx context.Context, now time.Time) ([]contracts.Exception, error) {
	current, err := m.listCurrent(ctx, "")
	if err != nil {
		return nil, err
	}

	var expired []contracts.Exception
	for _, ex := range current {
		if ex.Status != contracts.ExceptionApproved || now.Before(ex.Expiry) {
			continue
		}
		next := ex
		next.Revision = ex.Revision + 1
		next.Status = contracts.ExceptionExpired
		next.CreatedAt = now.UTC()
		if err := m.insertRevision(ctx, &next); err != nil {
			return nil, err
		}
		expired = append(expired, next)
	}

	if len(expired) > 0 {
		m.logger.Info("exceptions expired", "count", len(expired))
	}
	return expired, nil
}

// ActiveForUser returns the user's approved, non-expired exceptions —
// the only ones that may cap rule severity.
func (m *Manager) ActiveForUser(ctx context.Context, userID string, now time.Time) ([]contracts.Exception, error) {
	current, err := m.listCurrent(ctx, userID)
	if err != nil {
		return nil, err
	}
	var active []contracts.Exception
	for _, ex := range current {
		if ex.ActiveAt(now) {
			active = append(active, ex)
		}
	}
	return active, nil
}

// History returns every revision of an exception, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]contracts.Exception, error) {
	rows, err := m.db.QueryContext(ctx, selectRevision+`
		WHERE exception_id = ? ORDER BY revision ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectExceptions(rows)
}

const selectRevision = `
	SELECT exception_id, revision, user_id, rule_id, scope, scope_ref,
	       justification, evidence, approved_by, expiry, status, created_at
	FROM exception_revisions`

// listCurrent returns the max-revision row per exception, optionally
// filtered by user.
func (m *Manager) listCurrent(ctx context.Context, userID string) ([]contracts.Exception, error) {
	query := selectRevision + `
		WHERE (exception_id, revision) IN (
			SELECT exception_id, MAX(revision) FROM exception_revisions GROUP BY exception_id
		)`
	args := []any{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY exception_id`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectExceptions(rows)
}

func collectExceptions(rows *sql.Rows) ([]contracts.Exception, error) {
	var out []contracts.Exception
	for rows.Next() {
		ex, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ex)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanException(row rowScanner) (*contracts.Exception, error) {
	var (
		ex        contracts.Exception
		expiry    string
		createdAt string
	)
	err := row.Scan(&ex.ID, &ex.Revision, &ex.UserID, &ex.RuleID, &ex.Scope, &ex.ScopeRef,
		&ex.Justification, &ex.Evidence, &ex.ApprovedBy, &expiry, &ex.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ex.Expiry = parseTime(expiry)
	ex.CreatedAt = parseTime(createdAt)
	return &ex, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
