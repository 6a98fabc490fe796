package constitution

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func sampleDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(sampleYAML))
	require.NoError(t, err)
	return def
}

func TestCreateDraftAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateDraft(ctx, "user-1", sampleDefinition(t))
	require.NoError(t, err)
	assert.Equal(t, InitialVersion, c.Version)
	assert.Equal(t, contracts.ConstitutionDraft, c.Status)

	got, err := store.Get(ctx, c.ID, c.Version)
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Len(t, got.Rules(), 2)
}

func TestActivateFreezesDraft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateDraft(ctx, "user-1", sampleDefinition(t))
	require.NoError(t, err)

	active, err := store.Activate(ctx, c.ID, c.Version)
	require.NoError(t, err)
	assert.Equal(t, contracts.ConstitutionActive, active.Status)
	require.NotNil(t, active.ActivatedAt)

	// Re-activation and draft updates both hit the immutability guard.
	_, err = store.Activate(ctx, c.ID, c.Version)
	assert.ErrorIs(t, err, ErrImmutable)
	err = store.UpdateDraft(ctx, c.ID, c.Version, sampleDefinition(t), active.Revision)
	assert.ErrorIs(t, err, ErrImmutable)
}

func TestUpdateDraftOptimisticVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateDraft(ctx, "user-1", sampleDefinition(t))
	require.NoError(t, err)

	require.NoError(t, store.UpdateDraft(ctx, c.ID, c.Version, sampleDefinition(t), 1))

	// Same expected revision again is now stale.
	err = store.UpdateDraft(ctx, c.ID, c.Version, sampleDefinition(t), 1)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := store.Get(ctx, c.ID, c.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
}

func TestAmendBumpsMinorAndPreservesOldVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateDraft(ctx, "user-1", sampleDefinition(t))
	require.NoError(t, err)
	_, err = store.Activate(ctx, c.ID, c.Version)
	require.NoError(t, err)

	def := sampleDefinition(t)
	def.Name = "Charter v2"
	amended, err := store.Amend(ctx, c.ID, def)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", amended.Version)
	assert.Equal(t, contracts.ConstitutionDraft, amended.Status)

	_, err = store.Activate(ctx, c.ID, amended.Version)
	require.NoError(t, err)

	// Prior version is superseded but still queryable, bundle intact.
	old, err := store.Get(ctx, c.ID, InitialVersion)
	require.NoError(t, err)
	assert.Equal(t, contracts.ConstitutionSuperseded, old.Status)
	assert.Len(t, old.Rules(), 2)

	active, err := store.GetActive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", active.Version)

	versions, err := store.ListVersions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestGetActiveWithoutActivation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateDraft(ctx, "user-1", sampleDefinition(t))
	require.NoError(t, err)

	_, err = store.GetActive(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNoActiveVersion)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
}
