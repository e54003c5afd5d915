package persist

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Named-value keys inside the memory map. Entry keys get the entryPrefix.
const (
	keySiteIdentity = "site.identity"
	keyKeyMaterial  = "key.material"
	keyKeyBackup    = "key.backup"
	keyCheckpoint   = "checkpoint"
	keyMigration    = "migration.run"
	keyAuditLog     = "audit.log"
	keyActivityLog  = "activity.log"
	keyNotice       = "notice"

	entryPrefix = "entry/"
)

// MemoryStore implements Store in process memory. It backs tests and
// short-lived tooling; nothing survives Close.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	times  map[string]time.Time
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		times:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) set(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.values[key] = cp
	m.times[key] = time.Now()
	return nil
}

func (m *MemoryStore) get(key string) (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return &VersionedData{Data: cp, Version: calculateVersion(cp), Timestamp: m.times[key]}, nil
}

func (m *MemoryStore) exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *MemoryStore) delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.times, key)
	return nil
}

// setCAS performs the compare-and-set write under the store lock, so two
// racing writers cannot both pass the version check.
func (m *MemoryStore) setCAS(operation, key string, data []byte, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("store is closed")
	}
	current := ""
	if existing, ok := m.values[key]; ok {
		current = calculateVersion(existing)
	}
	if err := checkVersion(operation, expectedVersion, current); err != nil {
		return "", err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.values[key] = cp
	m.times[key] = time.Now()
	return calculateVersion(cp), nil
}

func (m *MemoryStore) SaveSiteIdentity(id []byte) error { return m.set(keySiteIdentity, id) }
func (m *MemoryStore) LoadSiteIdentity() (*VersionedData, error) {
	return m.get(keySiteIdentity)
}
func (m *MemoryStore) SiteIdentityExists() (bool, error) { return m.exists(keySiteIdentity) }

func (m *MemoryStore) SaveKeyMaterial(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}
	return m.setCAS("SaveKeyMaterial", keyKeyMaterial, data, expectedVersion)
}
func (m *MemoryStore) LoadKeyMaterial() (*VersionedData, error) { return m.get(keyKeyMaterial) }
func (m *MemoryStore) KeyMaterialExists() (bool, error)         { return m.exists(keyKeyMaterial) }

func (m *MemoryStore) SaveKeyBackup(data []byte) error          { return m.set(keyKeyBackup, data) }
func (m *MemoryStore) LoadKeyBackup() (*VersionedData, error)   { return m.get(keyKeyBackup) }
func (m *MemoryStore) KeyBackupExists() (bool, error)           { return m.exists(keyKeyBackup) }
func (m *MemoryStore) DeleteKeyBackup() error                   { return m.delete(keyKeyBackup) }

func (m *MemoryStore) SaveCheckpoint(data []byte) error         { return m.set(keyCheckpoint, data) }
func (m *MemoryStore) LoadCheckpoint() (*VersionedData, error)  { return m.get(keyCheckpoint) }
func (m *MemoryStore) CheckpointExists() (bool, error)          { return m.exists(keyCheckpoint) }
func (m *MemoryStore) DeleteCheckpoint() error                  { return m.delete(keyCheckpoint) }

func (m *MemoryStore) SaveMigrationRun(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("migration run cannot be empty")
	}
	return m.setCAS("SaveMigrationRun", keyMigration, data, expectedVersion)
}
func (m *MemoryStore) LoadMigrationRun() (*VersionedData, error) { return m.get(keyMigration) }
func (m *MemoryStore) MigrationRunExists() (bool, error)         { return m.exists(keyMigration) }
func (m *MemoryStore) DeleteMigrationRun() error                 { return m.delete(keyMigration) }

func (m *MemoryStore) SaveEntry(entryID string, data []byte) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	return m.set(entryPrefix+entryID, data)
}

func (m *MemoryStore) LoadEntry(entryID string) ([]byte, error) {
	vd, err := m.get(entryPrefix + entryID)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (m *MemoryStore) DeleteEntry(entryID string) error {
	return m.delete(entryPrefix + entryID)
}

func (m *MemoryStore) ListEntryIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0)
	for key := range m.values {
		if strings.HasPrefix(key, entryPrefix) {
			ids = append(ids, strings.TrimPrefix(key, entryPrefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SaveAuditLog(data []byte) error { return m.set(keyAuditLog, data) }
func (m *MemoryStore) LoadAuditLog() ([]byte, error) {
	vd, err := m.get(keyAuditLog)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (m *MemoryStore) SaveActivityLog(data []byte) error { return m.set(keyActivityLog, data) }
func (m *MemoryStore) LoadActivityLog() ([]byte, error) {
	vd, err := m.get(keyActivityLog)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (m *MemoryStore) SaveNotice(data []byte) error        { return m.set(keyNotice, data) }
func (m *MemoryStore) LoadNotice() (*VersionedData, error) { return m.get(keyNotice) }
func (m *MemoryStore) NoticeExists() (bool, error)         { return m.exists(keyNotice) }
func (m *MemoryStore) DeleteNotice() error                 { return m.delete(keyNotice) }

func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.values = make(map[string][]byte)
	m.times = make(map[string]time.Time)
	return nil
}

func (m *MemoryStore) GetType() string { return string(StoreTypeMemory) }

func validateEntryID(entryID string) error {
	if entryID == "" {
		return fmt.Errorf("entry ID cannot be empty")
	}
	if len(entryID) > 255 {
		return fmt.Errorf("entry ID too long (max 255 characters)")
	}
	if strings.Contains(entryID, "..") || strings.ContainsAny(entryID, "/\\") {
		return fmt.Errorf("entry ID contains invalid path characters")
	}
	return nil
}
