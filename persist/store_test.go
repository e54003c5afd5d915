package persist

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest builds each backend that can run without external services.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	fsStore, err := NewFileSystemStore(filepath.Join(t.TempDir(), "shield"))
	require.NoError(t, err)

	pebbleStore, err := NewPebbleStore(filepath.Join(t.TempDir(), "pebble"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pebbleStore.Close() })

	return map[string]Store{
		"memory":     NewMemoryStore(),
		"filesystem": fsStore,
		"pebble":     pebbleStore,
	}
}

func TestStoreSiteIdentity(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			exists, err := store.SiteIdentityExists()
			require.NoError(t, err)
			assert.False(t, exists)

			_, err = store.LoadSiteIdentity()
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.SaveSiteIdentity([]byte("a1b2c3d4e5f60718")))

			exists, err = store.SiteIdentityExists()
			require.NoError(t, err)
			assert.True(t, exists)

			vd, err := store.LoadSiteIdentity()
			require.NoError(t, err)
			assert.Equal(t, []byte("a1b2c3d4e5f60718"), vd.Data)
			assert.NotEmpty(t, vd.Version)
		})
	}
}

func TestStoreKeyMaterialCAS(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			// Unconditional first write.
			v1, err := store.SaveKeyMaterial([]byte(`{"algorithm":"ML-KEM-768"}`), "")
			require.NoError(t, err)
			require.NotEmpty(t, v1)

			// Conditional write with the right version succeeds.
			v2, err := store.SaveKeyMaterial([]byte(`{"algorithm":"ML-KEM-1024"}`), v1)
			require.NoError(t, err)
			require.NotEqual(t, v1, v2)

			// Stale version is rejected with a ConcurrencyError.
			_, err = store.SaveKeyMaterial([]byte(`{"algorithm":"stale"}`), v1)
			require.Error(t, err)
			var ce ConcurrencyError
			assert.True(t, errors.As(err, &ce), "want ConcurrencyError, got %v", err)

			vd, err := store.LoadKeyMaterial()
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"algorithm":"ML-KEM-1024"}`), vd.Data)
			assert.Equal(t, v2, vd.Version)
		})
	}
}

func TestStoreMigrationRunCAS(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			v1, err := store.SaveMigrationRun([]byte(`{"status":"pending"}`), "")
			require.NoError(t, err)

			// Two racers load the same version; only one transition wins.
			_, err = store.SaveMigrationRun([]byte(`{"status":"in_progress"}`), v1)
			require.NoError(t, err)

			_, err = store.SaveMigrationRun([]byte(`{"status":"in_progress"}`), v1)
			var ce ConcurrencyError
			assert.True(t, errors.As(err, &ce))

			require.NoError(t, store.DeleteMigrationRun())
			exists, err := store.MigrationRunExists()
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStoreBackupAndCheckpointLifecycle(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveKeyBackup([]byte("backup-data")))
			require.NoError(t, store.SaveCheckpoint([]byte("checkpoint-data")))

			vd, err := store.LoadKeyBackup()
			require.NoError(t, err)
			assert.Equal(t, []byte("backup-data"), vd.Data)

			vd, err = store.LoadCheckpoint()
			require.NoError(t, err)
			assert.Equal(t, []byte("checkpoint-data"), vd.Data)

			require.NoError(t, store.DeleteKeyBackup())
			require.NoError(t, store.DeleteCheckpoint())

			exists, err := store.KeyBackupExists()
			require.NoError(t, err)
			assert.False(t, exists)
			exists, err = store.CheckpointExists()
			require.NoError(t, err)
			assert.False(t, exists)

			// Deleting twice is not an error.
			assert.NoError(t, store.DeleteKeyBackup())
		})
	}
}

func TestStoreEntries(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ids, err := store.ListEntryIDs()
			require.NoError(t, err)
			assert.Empty(t, ids)

			// Saved out of order; listing is lexical.
			require.NoError(t, store.SaveEntry("entry-003", []byte("c")))
			require.NoError(t, store.SaveEntry("entry-001", []byte("a")))
			require.NoError(t, store.SaveEntry("entry-002", []byte("b")))

			ids, err = store.ListEntryIDs()
			require.NoError(t, err)
			assert.Equal(t, []string{"entry-001", "entry-002", "entry-003"}, ids)

			data, err := store.LoadEntry("entry-002")
			require.NoError(t, err)
			assert.Equal(t, []byte("b"), data)

			// Overwrite in place.
			require.NoError(t, store.SaveEntry("entry-002", []byte("b2")))
			data, err = store.LoadEntry("entry-002")
			require.NoError(t, err)
			assert.Equal(t, []byte("b2"), data)

			require.NoError(t, store.DeleteEntry("entry-001"))
			_, err = store.LoadEntry("entry-001")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreEntryIDValidation(t *testing.T) {
	store := NewMemoryStore()
	for _, bad := range []string{"", "../escape", "a/b", "a\\b"} {
		assert.Error(t, store.SaveEntry(bad, []byte("x")), "entry ID %q should be rejected", bad)
	}
}

func TestStoreLogsAndNotice(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveAuditLog([]byte(`[{"action":"x"}]`)))
			data, err := store.LoadAuditLog()
			require.NoError(t, err)
			assert.Equal(t, []byte(`[{"action":"x"}]`), data)

			require.NoError(t, store.SaveActivityLog([]byte(`[]`)))
			data, err = store.LoadActivityLog()
			require.NoError(t, err)
			assert.Equal(t, []byte(`[]`), data)

			require.NoError(t, store.SaveNotice([]byte(`{"code":"invalid_key"}`)))
			exists, err := store.NoticeExists()
			require.NoError(t, err)
			assert.True(t, exists)
			require.NoError(t, store.DeleteNotice())
			exists, err = store.NoticeExists()
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStorePingAndType(t *testing.T) {
	stores := storesUnderTest(t)
	wantTypes := map[string]string{
		"memory":     "memory",
		"filesystem": "filesystem",
		"pebble":     "pebble",
	}
	for name, store := range stores {
		assert.NoError(t, store.Ping(), name)
		assert.Equal(t, wantTypes[name], store.GetType(), name)
	}
}

func TestNewStoreFactory(t *testing.T) {
	store, err := NewStore(StoreConfig{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.Equal(t, "memory", store.GetType())

	store, err = NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, "filesystem", store.GetType())

	_, err = NewStore(StoreConfig{Type: "bogus"})
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: StoreTypeFileSystem})
	assert.Error(t, err, "missing base_path must fail")
}
