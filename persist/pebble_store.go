package persist

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Pebble key layout: named values under meta/, envelope entries under entry/.
const (
	pebbleMetaPrefix  = "meta/"
	pebbleEntryPrefix = "entry/"
)

// PebbleStore implements Store on an embedded pebble database. Suits hosts
// that keep shield state out of the content database.
type PebbleStore struct {
	db   *pebble.DB
	path string
	mu   sync.Mutex // serializes compare-and-set writes
}

// NewPebbleStore opens (or creates) the database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db, path: path}, nil
}

// NewPebbleStoreFromConfig creates a PebbleStore from StoreConfig.
func NewPebbleStoreFromConfig(config StoreConfig) (*PebbleStore, error) {
	path, ok := config.Config["path"].(string)
	if !ok {
		return nil, fmt.Errorf("path is required for pebble store")
	}
	return NewPebbleStore(path)
}

func (p *PebbleStore) set(key string, data []byte) error {
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (p *PebbleStore) get(key string) ([]byte, error) {
	value, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (p *PebbleStore) getVersioned(key string) (*VersionedData, error) {
	data, err := p.get(key)
	if err != nil {
		return nil, err
	}
	return &VersionedData{Data: data, Version: calculateVersion(data), Timestamp: time.Now()}, nil
}

func (p *PebbleStore) exists(key string) (bool, error) {
	_, err := p.get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *PebbleStore) delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (p *PebbleStore) setCAS(operation, key string, data []byte, expectedVersion string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := ""
	if existing, err := p.get(key); err == nil {
		current = calculateVersion(existing)
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if err := checkVersion(operation, expectedVersion, current); err != nil {
		return "", err
	}
	if err := p.set(key, data); err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

func (p *PebbleStore) SaveSiteIdentity(id []byte) error {
	if len(id) == 0 {
		return fmt.Errorf("site identity cannot be empty")
	}
	return p.set(pebbleMetaPrefix+keySiteIdentity, id)
}
func (p *PebbleStore) LoadSiteIdentity() (*VersionedData, error) {
	return p.getVersioned(pebbleMetaPrefix + keySiteIdentity)
}
func (p *PebbleStore) SiteIdentityExists() (bool, error) {
	return p.exists(pebbleMetaPrefix + keySiteIdentity)
}

func (p *PebbleStore) SaveKeyMaterial(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}
	return p.setCAS("SaveKeyMaterial", pebbleMetaPrefix+keyKeyMaterial, data, expectedVersion)
}
func (p *PebbleStore) LoadKeyMaterial() (*VersionedData, error) {
	return p.getVersioned(pebbleMetaPrefix + keyKeyMaterial)
}
func (p *PebbleStore) KeyMaterialExists() (bool, error) {
	return p.exists(pebbleMetaPrefix + keyKeyMaterial)
}

func (p *PebbleStore) SaveKeyBackup(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("backup cannot be empty")
	}
	return p.set(pebbleMetaPrefix+keyKeyBackup, data)
}
func (p *PebbleStore) LoadKeyBackup() (*VersionedData, error) {
	return p.getVersioned(pebbleMetaPrefix + keyKeyBackup)
}
func (p *PebbleStore) KeyBackupExists() (bool, error) { return p.exists(pebbleMetaPrefix + keyKeyBackup) }
func (p *PebbleStore) DeleteKeyBackup() error         { return p.delete(pebbleMetaPrefix + keyKeyBackup) }

func (p *PebbleStore) SaveCheckpoint(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("checkpoint cannot be empty")
	}
	return p.set(pebbleMetaPrefix+keyCheckpoint, data)
}
func (p *PebbleStore) LoadCheckpoint() (*VersionedData, error) {
	return p.getVersioned(pebbleMetaPrefix + keyCheckpoint)
}
func (p *PebbleStore) CheckpointExists() (bool, error) {
	return p.exists(pebbleMetaPrefix + keyCheckpoint)
}
func (p *PebbleStore) DeleteCheckpoint() error { return p.delete(pebbleMetaPrefix + keyCheckpoint) }

func (p *PebbleStore) SaveMigrationRun(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("migration run cannot be empty")
	}
	return p.setCAS("SaveMigrationRun", pebbleMetaPrefix+keyMigration, data, expectedVersion)
}
func (p *PebbleStore) LoadMigrationRun() (*VersionedData, error) {
	return p.getVersioned(pebbleMetaPrefix + keyMigration)
}
func (p *PebbleStore) MigrationRunExists() (bool, error) {
	return p.exists(pebbleMetaPrefix + keyMigration)
}
func (p *PebbleStore) DeleteMigrationRun() error { return p.delete(pebbleMetaPrefix + keyMigration) }

func (p *PebbleStore) SaveEntry(entryID string, data []byte) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	return p.set(pebbleEntryPrefix+entryID, data)
}

func (p *PebbleStore) LoadEntry(entryID string) ([]byte, error) {
	if err := validateEntryID(entryID); err != nil {
		return nil, err
	}
	return p.get(pebbleEntryPrefix + entryID)
}

func (p *PebbleStore) DeleteEntry(entryID string) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	return p.delete(pebbleEntryPrefix + entryID)
}

func (p *PebbleStore) ListEntryIDs() ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleEntryPrefix),
		UpperBound: []byte(pebbleEntryPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		ids = append(ids, strings.TrimPrefix(key, pebbleEntryPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator failed: %w", err)
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (p *PebbleStore) SaveAuditLog(data []byte) error {
	return p.set(pebbleMetaPrefix+keyAuditLog, data)
}
func (p *PebbleStore) LoadAuditLog() ([]byte, error) {
	return p.get(pebbleMetaPrefix + keyAuditLog)
}
func (p *PebbleStore) SaveActivityLog(data []byte) error {
	return p.set(pebbleMetaPrefix+keyActivityLog, data)
}
func (p *PebbleStore) LoadActivityLog() ([]byte, error) {
	return p.get(pebbleMetaPrefix + keyActivityLog)
}

func (p *PebbleStore) SaveNotice(data []byte) error { return p.set(pebbleMetaPrefix+keyNotice, data) }
func (p *PebbleStore) LoadNotice() (*VersionedData, error) {
	return p.getVersioned(pebbleMetaPrefix + keyNotice)
}
func (p *PebbleStore) NoticeExists() (bool, error) { return p.exists(pebbleMetaPrefix + keyNotice) }
func (p *PebbleStore) DeleteNotice() error         { return p.delete(pebbleMetaPrefix + keyNotice) }

func (p *PebbleStore) Ping() error {
	_, err := p.exists(pebbleMetaPrefix + keySiteIdentity)
	return err
}

func (p *PebbleStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PebbleStore) GetType() string { return string(StoreTypePebble) }
