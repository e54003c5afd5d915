package pqls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexlance/postquantumlattice-sub000/persist"
)

func TestGetOrCreateSiteID(t *testing.T) {
	store := persist.NewMemoryStore()

	id, err := GetOrCreateSiteID(store, "https://example.test")
	require.NoError(t, err)
	assert.Len(t, id, siteIDLength)
	assert.Regexp(t, "^[0-9a-f]+$", id)

	// Second call returns the persisted identity, never a fresh derivation.
	again, err := GetOrCreateSiteID(store, "https://example.test")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestSiteIDsAreUniquePerInstallation(t *testing.T) {
	// Same origin, separate stores: the random component must still keep
	// the identities apart.
	a, err := GetOrCreateSiteID(persist.NewMemoryStore(), "https://example.test")
	require.NoError(t, err)
	b, err := GetOrCreateSiteID(persist.NewMemoryStore(), "https://example.test")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGetOrCreateSiteIDRejectsCorruptIdentity(t *testing.T) {
	store := persist.NewMemoryStore()
	require.NoError(t, store.SaveSiteIdentity([]byte("short")))

	_, err := GetOrCreateSiteID(store, "https://example.test")
	assert.Error(t, err)
}
