package constitution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

var (
	ErrNotFound        = errors.New("constitution not found")
	ErrNoActiveVersion = errors.New("no active constitution version")

	// ErrImmutable is returned on any attempt to change a version that
	// is no longer a draft. Frozen versions change only via amendment.
	ErrImmutable = errors.New("constitution version is immutable")

	// ErrConcurrentModification is returned when a write carries a stale
	// revision. The caller must re-read and retry.
	ErrConcurrentModification = errors.New("concurrent constitution modification")
)

// InitialVersion is the version assigned to a newly created draft.
const InitialVersion = "1.0.0"

// Store persists constitution versions. Rows are versioned, never
// overwritten: activation and amendment insert or flip status columns
// but the article bundle of a frozen version is immutable.
type Store struct {
	db *sql.DB
}

// NewStore creates a store and runs migrations.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS constitutions (
		id TEXT NOT NULL,
		version TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		articles TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		activated_at TEXT,
		PRIMARY KEY (id, version)
	);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateDraft inserts a new constitution at version 1.0.0 in draft state.
func (s *Store) CreateDraft(ctx context.Context, userID string, def *Definition) (*contracts.Constitution, error) {
	c := &contracts.Constitution{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      def.Name,
		Version:   InitialVersion,
		Status:    contracts.ConstitutionDraft,
		Articles:  def.Articles,
		Revision:  1,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.insert(ctx, s.db, c); err != nil {
		return nil, err
	}
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, c *contracts.Constitution) error {
	articles, err := json.Marshal(c.Articles)
	if err != nil {
		return fmt.Errorf("marshal articles: %w", err)
	}
	var activatedAt any
	if c.ActivatedAt != nil {
		activatedAt = c.ActivatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO constitutions (id, version, user_id, name, status, articles, revision, created_at, activated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Version, c.UserID, c.Name, c.Status, string(articles),
		c.Revision, c.CreatedAt.UTC().Format(time.RFC3339Nano), activatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert constitution: %w", err)
	}
	return nil
}

// Get loads one constitution version.
func (s *Store) Get(ctx context.Context, id, version string) (*contracts.Constitution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, user_id, name, status, articles, revision, created_at, activated_at
		FROM constitutions WHERE id = ? AND version = ?`, id, version)
	return scanConstitution(row)
}

// GetActive loads the active version of a constitution.
func (s *Store) GetActive(ctx context.Context, id string) (*contracts.Constitution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, user_id, name, status, articles, revision, created_at, activated_at
		FROM constitutions WHERE id = ? AND status = ?`, id, contracts.ConstitutionActive)
	c, err := scanConstitution(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveVersion, id)
	}
	return c, err
}

// UpdateDraft replaces a draft's articles under optimistic versioning.
// A stale expectedRevision fails with ErrConcurrentModification.
func (s *Store) UpdateDraft(ctx context.Context, id, version string, def *Definition, expectedRevision int64) error {
	articles, err := json.Marshal(def.Articles)
	if err != nil {
		return fmt.Errorf("marshal articles: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE constitutions SET articles = ?, name = ?, revision = revision + 1
		WHERE id = ? AND version = ? AND status = ? AND revision = ?`,
		string(articles), def.Name, id, version, contracts.ConstitutionDraft, expectedRevision)
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish stale revision from immutable/missing rows.
		cur, getErr := s.Get(ctx, id, version)
		if getErr != nil {
			return getErr
		}
		if cur.Status != contracts.ConstitutionDraft {
			return fmt.Errorf("%w: %s@%s is %s", ErrImmutable, id, version, cur.Status)
		}
		return fmt.Errorf("%w: %s@%s revision %d is stale", ErrConcurrentModification, id, version, expectedRevision)
	}
	return nil
}

// Activate freezes a draft version and supersedes any previously active
// version of the same constitution, in one transaction. Rule-level
// validation (signal refs, predicate compilation) happens in the engine
// before this is called.
func (s *Store) Activate(ctx context.Context, id, version string) (*contracts.Constitution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE constitutions SET status = ?, activated_at = ?
		WHERE id = ? AND version = ? AND status = ?`,
		contracts.ConstitutionActive, now.Format(time.RFC3339Nano),
		id, version, contracts.ConstitutionDraft)
	if err != nil {
		return nil, fmt.Errorf("activate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		cur, getErr := s.Get(ctx, id, version)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s@%s is %s", ErrImmutable, id, version, cur.Status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE constitutions SET status = ?
		WHERE id = ? AND version != ? AND status = ?`,
		contracts.ConstitutionSuperseded, id, version, contracts.ConstitutionActive)
	if err != nil {
		return nil, fmt.Errorf("supersede prior version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id, version)
}

// Amend clones the active version with a new article bundle, bumps the
// minor version, and inserts the new version as a draft. The prior
// version stays frozen and queryable.
func (s *Store) Amend(ctx context.Context, id string, def *Definition) (*contracts.Constitution, error) {
	active, err := s.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}

	cur, err := semver.NewVersion(active.Version)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", active.Version, err)
	}
	next := cur.IncMinor()

	amended := &contracts.Constitution{
		ID:        id,
		UserID:    active.UserID,
		Name:      def.Name,
		Version:   next.String(),
		Status:    contracts.ConstitutionDraft,
		Articles:  def.Articles,
		Revision:  1,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.insert(ctx, s.db, amended); err != nil {
		return nil, err
	}
	return amended, nil
}

// ListVersions returns all versions of a constitution, oldest first.
func (s *Store) ListVersions(ctx context.Context, id string) ([]*contracts.Constitution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, user_id, name, status, articles, revision, created_at, activated_at
		FROM constitutions WHERE id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Constitution
	for rows.Next() {
		c, err := scanConstitution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConstitution(row rowScanner) (*contracts.Constitution, error) {
	var (
		c           contracts.Constitution
		articles    string
		createdAt   string
		activatedAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.Version, &c.UserID, &c.Name, &c.Status,
		&articles, &c.Revision, &createdAt, &activatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(articles), &c.Articles); err != nil {
		return nil, fmt.Errorf("unmarshal articles: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	if activatedAt.Valid {
		t := parseTime(activatedAt.String)
		c.ActivatedAt = &t
	}
	return &c, nil
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
