// Package ledger persists evaluations as an append-only arena of
// immutable records. An evaluation and its rule results commit as one
// transaction — either the whole run lands or none of it. "Latest" is a
// query over the max sequence per user, not a mutable row. SQLite and
// Postgres are both supported via database/sql.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

var (
	ErrNotFound = errors.New("evaluation not found")

	// ErrCommitFailed wraps any failure while persisting a run. The
	// transaction is rolled back in full; the caller may retry the
	// whole evaluation.
	ErrCommitFailed = errors.New("ledger commit failed")
)

// Dialect selects SQL flavor differences (placeholders, autoincrement).
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Ledger is the append-only evaluation store.
type Ledger struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLite creates a ledger on a SQLite handle and runs migrations.
func NewSQLite(ctx context.Context, db *sql.DB) (*Ledger, error) {
	return newLedger(ctx, db, DialectSQLite)
}

// NewPostgres creates a ledger on a Postgres handle and runs migrations.
func NewPostgres(ctx context.Context, db *sql.DB) (*Ledger, error) {
	return newLedger(ctx, db, DialectPostgres)
}

func newLedger(ctx context.Context, db *sql.DB, dialect Dialect) (*Ledger, error) {
	l := &Ledger{db: db, dialect: dialect}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if l.dialect == DialectPostgres {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS evaluations (
			%s,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			constitution_id TEXT NOT NULL,
			constitution_version TEXT NOT NULL,
			snapshot_ref TEXT NOT NULL,
			created_at TEXT NOT NULL,
			overall_score REAL NOT NULL,
			results_hash TEXT NOT NULL
		)`, seqColumn),
		`CREATE TABLE IF NOT EXISTS rule_results (
			evaluation_id TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			article_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			signal_values TEXT NOT NULL,
			exception_applied INTEGER NOT NULL DEFAULT 0,
			exception_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (evaluation_id, rule_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_user ON evaluations (user_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the dialect's flavor.
func (l *Ledger) rebind(query string) string {
	if l.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Commit persists an evaluation and all its rule results atomically and
// fills in the assigned ledger sequence. Any failure rolls the whole run
// back and is reported as ErrCommitFailed — partial evaluations are
// never visible.
func (l *Ledger) Commit(ctx context.Context, eval *contracts.Evaluation, results []contracts.RuleResult) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrCommitFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := l.insertEvaluation(ctx, tx, eval)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	insertResult := l.rebind(`
		INSERT INTO rule_results
			(evaluation_id, rule_id, article_id, status, reason, signal_values, exception_applied, exception_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, res := range results {
		values, err := json.Marshal(res.SignalValues)
		if err != nil {
			return fmt.Errorf("%w: marshal signal values: %v", ErrCommitFailed, err)
		}
		applied := 0
		if res.ExceptionApplied {
			applied = 1
		}
		if _, err := tx.ExecContext(ctx, insertResult,
			eval.ID, res.RuleID, res.ArticleID, res.Status, res.Reason,
			string(values), applied, res.ExceptionID,
		); err != nil {
			return fmt.Errorf("%w: insert rule result %s: %v", ErrCommitFailed, res.RuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrCommitFailed, err)
	}
	eval.Seq = seq
	return nil
}

func (l *Ledger) insertEvaluation(ctx context.Context, tx *sql.Tx, eval *contracts.Evaluation) (int64, error) {
	insert := `
		INSERT INTO evaluations
			(id, user_id, constitution_id, constitution_version, snapshot_ref, created_at, overall_score, results_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		eval.ID, eval.UserID, eval.ConstitutionID, eval.ConstitutionVersion,
		eval.SnapshotRef, eval.CreatedAt.UTC().Format(time.RFC3339Nano),
		eval.OverallScore, eval.ResultsHash,
	}

	if l.dialect == DialectPostgres {
		var seq int64
		err := tx.QueryRowContext(ctx, l.rebind(insert)+" RETURNING seq", args...).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("insert evaluation: %w", err)
		}
		return seq, nil
	}

	res, err := tx.ExecContext(ctx, insert, args...)
	if err != nil {
		return 0, fmt.Errorf("insert evaluation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

const selectEvaluation = `
	SELECT seq, id, user_id, constitution_id, constitution_version, snapshot_ref, created_at, overall_score, results_hash
	FROM evaluations`

// Latest returns the most recent evaluation for a user: the max ledger
// sequence, not a special mutable row.
func (l *Ledger) Latest(ctx context.Context, userID string) (*contracts.Evaluation, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(selectEvaluation+`
		WHERE user_id = ? ORDER BY seq DESC LIMIT 1`), userID)
	return scanEvaluation(row)
}

// Get loads one evaluation by ID.
func (l *Ledger) Get(ctx context.Context, evaluationID string) (*contracts.Evaluation, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(selectEvaluation+`
		WHERE id = ?`), evaluationID)
	return scanEvaluation(row)
}

// History returns a user's evaluations for one constitution version,
// newest first. Drift queries walk consecutive pairs of this list.
func (l *Ledger) History(ctx context.Context, userID, constitutionVersion string, limit int) ([]*contracts.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, l.rebind(selectEvaluation+`
		WHERE user_id = ? AND constitution_version = ?
		ORDER BY seq DESC LIMIT ?`), userID, constitutionVersion, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, eval)
	}
	return out, rows.Err()
}

// Results returns the rule results of an evaluation, ordered by rule ID.
func (l *Ledger) Results(ctx context.Context, evaluationID string) ([]contracts.RuleResult, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT evaluation_id, rule_id, article_id, status, reason, signal_values, exception_applied, exception_id
		FROM rule_results WHERE evaluation_id = ? ORDER BY rule_id ASC`), evaluationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.RuleResult
	for rows.Next() {
		var (
			res     contracts.RuleResult
			values  string
			applied int
		)
		if err := rows.Scan(&res.EvaluationID, &res.RuleID, &res.ArticleID, &res.Status,
			&res.Reason, &values, &applied, &res.ExceptionID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &res.SignalValues); err != nil {
			return nil, fmt.Errorf("unmarshal signal values: %w", err)
		}
		res.ExceptionApplied = applied != 0
		out = append(out, res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*contracts.Evaluation, error) {
	var (
		eval      contracts.Evaluation
		createdAt string
	)
	err := row.Scan(&eval.Seq, &eval.ID, &eval.UserID, &eval.ConstitutionID,
		&eval.ConstitutionVersion, &eval.SnapshotRef, &createdAt,
		&eval.OverallScore, &eval.ResultsHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		eval.CreatedAt = t
	}
	return &eval, nil
}
