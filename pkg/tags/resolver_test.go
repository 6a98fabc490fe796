package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

func TestResolvePrecedence(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "INDEX_CORE", Tier: contracts.TierSeed,
	}))
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "SPECULATIVE", Tier: contracts.TierManual,
	}))

	resolved := NewResolver(store).Resolve("sec-1", false)
	require.Len(t, resolved, 1)
	assert.Equal(t, "SPECULATIVE", resolved[0].Value)
	assert.Equal(t, contracts.TierManual, resolved[0].Tier)
}

func TestResolveExcludesInferredByDefault(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "sector_guess", Value: "TECH", Tier: contracts.TierInferred, Confidence: 0.6,
	}))
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "INDEX_CORE", Tier: contracts.TierSeed,
	}))

	r := NewResolver(store)

	resolved := r.Resolve("sec-1", false)
	require.Len(t, resolved, 1)
	assert.Equal(t, "risk_class", resolved[0].Name)

	withInferred := r.Resolve("sec-1", true)
	assert.Len(t, withInferred, 2)
}

func TestResolveInferredNeverShadowsSeed(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "GUESS", Tier: contracts.TierInferred,
	}))
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "INDEX_CORE", Tier: contracts.TierSeed,
	}))

	resolved := NewResolver(store).Resolve("sec-1", true)
	require.Len(t, resolved, 1)
	assert.Equal(t, "INDEX_CORE", resolved[0].Value)
}

func TestPutRejectsSameTierDuplicate(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "A", Tier: contracts.TierManual,
	}))

	err := store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "B", Tier: contracts.TierManual,
	})
	assert.ErrorIs(t, err, ErrDuplicateTag)

	// Same name at a different tier is allowed.
	assert.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "B", Tier: contracts.TierSeed,
	}))
}

func TestPutRejectsUnknownTier(t *testing.T) {
	err := NewStore().Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "x", Value: "y", Tier: "vibes",
	})
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestResolveValues(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(contracts.SecurityTag{
		SecurityID: "sec-1", Name: "risk_class", Value: "SPECULATIVE", Tier: contracts.TierManual,
	}))

	values := NewResolver(store).ResolveValues([]string{"sec-1", "sec-2"}, false)
	assert.Equal(t, []string{"SPECULATIVE"}, values["sec-1"])
	assert.Empty(t, values["sec-2"])
}
