package pqls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexlance/postquantumlattice-sub000/persist"
)

func TestBackupLifecycle(t *testing.T) {
	store := persist.NewMemoryStore()
	shield := newTestShield(t, store)
	ctx := context.Background()

	hasBackup, err := shield.HasBackup()
	require.NoError(t, err)
	assert.False(t, hasBackup)

	status, err := shield.BackupStatus()
	require.NoError(t, err)
	assert.Nil(t, status)

	info, err := shield.BackupKeyMaterial(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "ML-KEM-768", info.Algorithm)

	hasBackup, err = shield.HasBackup()
	require.NoError(t, err)
	assert.True(t, hasBackup)

	status, err = shield.BackupStatus()
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, info.ID, status.ID)
}

func TestBackupReplacesPrevious(t *testing.T) {
	shield := newTestShield(t, nil)
	ctx := context.Background()

	first, err := shield.BackupKeyMaterial(ctx)
	require.NoError(t, err)
	second, err := shield.BackupKeyMaterial(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	status, err := shield.BackupStatus()
	require.NoError(t, err)
	assert.Equal(t, second.ID, status.ID, "only the newest backup is active")
}

func TestBackupChecksumVerifiedOnLoad(t *testing.T) {
	store := persist.NewMemoryStore()
	shield := newTestShield(t, store)
	ctx := context.Background()

	_, err := shield.BackupKeyMaterial(ctx)
	require.NoError(t, err)

	// Corrupt the stored container; loads must refuse it.
	vd, err := store.LoadKeyBackup()
	require.NoError(t, err)
	corrupted := []byte(`{"id":"x","key_material":{"public_key":"p"},"checksum":"0000"}`)
	require.NotEqual(t, string(vd.Data), string(corrupted))
	require.NoError(t, store.SaveKeyBackup(corrupted))

	_, err = shield.BackupStatus()
	assert.Error(t, err)
}

func TestTrustMigrationWithoutRun(t *testing.T) {
	store := persist.NewMemoryStore()
	shield := newTestShield(t, store)
	ctx := context.Background()

	// With no migration recorded, trusting simply discards the backup.
	_, err := shield.BackupKeyMaterial(ctx)
	require.NoError(t, err)
	require.NoError(t, shield.TrustMigration())

	hasBackup, err := shield.HasBackup()
	require.NoError(t, err)
	assert.False(t, hasBackup)
}
