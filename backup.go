package pqls

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/persist"
)

// backupContainer is the at-rest form of a key backup. The checksum covers
// the key material payload and is verified on every load.
type backupContainer struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	Algorithm   string          `json:"algorithm"`
	KeyMaterial json.RawMessage `json:"key_material"`
	Checksum    string          `json:"checksum"`
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BackupInfo describes the active backup without exposing key material.
type BackupInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Algorithm string    `json:"algorithm"`
}

// BackupKeyMaterial snapshots the current key material as the active backup.
// At most one backup exists; creating a new one replaces it. A backup is the
// precondition for starting a migration.
func (s *Shield) BackupKeyMaterial(ctx context.Context) (*BackupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.currentKeyLocked(ctx)
	if err != nil {
		return nil, s.fail("backup_create", err)
	}
	keyData, err := key.marshal()
	if err != nil {
		return nil, s.fail("backup_create", err)
	}

	container := backupContainer{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Algorithm:   key.AlgorithmTag,
		KeyMaterial: keyData,
		Checksum:    checksum(keyData),
	}
	data, err := json.Marshal(container)
	if err != nil {
		return nil, s.fail("backup_create", fmt.Errorf("failed to marshal backup: %w", err))
	}
	if err := s.store.SaveKeyBackup(data); err != nil {
		return nil, s.fail("backup_create", err)
	}

	s.reporter.ReportSuccess("backup_create", map[string]interface{}{
		"backup_id": container.ID,
		"algorithm": container.Algorithm,
	})
	return &BackupInfo{ID: container.ID, CreatedAt: container.CreatedAt, Algorithm: container.Algorithm}, nil
}

// HasBackup reports whether an active backup exists.
func (s *Shield) HasBackup() (bool, error) {
	return s.store.KeyBackupExists()
}

// BackupStatus returns the active backup's metadata, or nil when none
// exists. The container checksum is verified.
func (s *Shield) BackupStatus() (*BackupInfo, error) {
	container, err := s.loadBackup()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &BackupInfo{ID: container.ID, CreatedAt: container.CreatedAt, Algorithm: container.Algorithm}, nil
}

// loadBackup reads and verifies the active backup container.
func (s *Shield) loadBackup() (*backupContainer, error) {
	vd, err := s.store.LoadKeyBackup()
	if err != nil {
		return nil, err
	}
	var container backupContainer
	if err := json.Unmarshal(vd.Data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	if container.Checksum != checksum(container.KeyMaterial) {
		return nil, fmt.Errorf("backup checksum mismatch")
	}
	return &container, nil
}

// TrustMigration declares a completed migration permanent: the pre-migration
// backup and any leftover checkpoint are discarded, making rollback
// impossible.
func (s *Shield) TrustMigration() error {
	run, err := s.loadMigrationRun()
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return s.fail("migration_trust", err)
	}
	if run != nil && run.Status == StatusInProgress {
		return s.fail("migration_trust", fmt.Errorf("migration is still in progress"))
	}

	if err := s.store.DeleteKeyBackup(); err != nil {
		return s.fail("migration_trust", err)
	}
	if err := s.store.DeleteCheckpoint(); err != nil {
		return s.fail("migration_trust", err)
	}

	s.reporter.ReportSuccess("migration_trust", nil)
	s.reporter.LogActivity(audit.LevelInfo, "migration trusted, rollback window closed", nil)
	return nil
}
