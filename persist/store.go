package persist

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load* methods when the named value has never
// been written. Backends wrap it so errors.Is works uniformly.
var ErrNotFound = errors.New("not found")

// VersionedData carries a stored value with its version fingerprint.
type VersionedData struct {
	Data      []byte
	Version   string // content hash used as an optimistic-concurrency etag
	Timestamp time.Time
}

// Store is the typed persistence contract for shield state. Every entity the
// engine owns gets narrow Save/Load/Exists methods instead of a generic
// key-value bag, so call sites depend on small contracts. Values are opaque
// to the store; serialization happens in the shield layer.
//
// SaveKeyMaterial and SaveMigrationRun accept an expectedVersion for
// optimistic concurrency: pass the Version from the last Load, or "" to
// write unconditionally. A mismatch yields ConcurrencyError.
type Store interface {

	// Site identity

	SaveSiteIdentity(id []byte) error
	LoadSiteIdentity() (*VersionedData, error)
	SiteIdentityExists() (bool, error)

	// Current key material

	SaveKeyMaterial(data []byte, expectedVersion string) (newVersion string, err error)
	LoadKeyMaterial() (*VersionedData, error)
	KeyMaterialExists() (bool, error)

	// Key backup (at most one active)

	SaveKeyBackup(data []byte) error
	LoadKeyBackup() (*VersionedData, error)
	KeyBackupExists() (bool, error)
	DeleteKeyBackup() error

	// Migration checkpoint

	SaveCheckpoint(data []byte) error
	LoadCheckpoint() (*VersionedData, error)
	CheckpointExists() (bool, error)
	DeleteCheckpoint() error

	// Migration run state

	SaveMigrationRun(data []byte, expectedVersion string) (newVersion string, err error)
	LoadMigrationRun() (*VersionedData, error)
	MigrationRunExists() (bool, error)
	DeleteMigrationRun() error

	// Envelope entries. ListEntryIDs returns IDs in lexical order; that is
	// the retrieval order migration batches walk.

	SaveEntry(entryID string, data []byte) error
	LoadEntry(entryID string) ([]byte, error)
	DeleteEntry(entryID string) error
	ListEntryIDs() ([]string, error)

	// Audit and activity trails (stored whole; capping happens above)

	SaveAuditLog(data []byte) error
	LoadAuditLog() ([]byte, error)
	SaveActivityLog(data []byte) error
	LoadActivityLog() ([]byte, error)

	// Standing critical notice

	SaveNotice(data []byte) error
	LoadNotice() (*VersionedData, error)
	NoticeExists() (bool, error)
	DeleteNotice() error

	// Health and lifecycle

	Ping() error
	Close() error
	GetType() string
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType names a storage backend.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeMemory     StoreType = "memory"
	StoreTypePebble     StoreType = "pebble"
	StoreTypeS3         StoreType = "s3"
)

// ConcurrencyError signals a version conflict on a compare-and-set write.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// calculateVersion fingerprints stored content; the hash doubles as the
// optimistic-concurrency etag.
func calculateVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// checkVersion applies the shared CAS rule: an empty expectation always
// passes; otherwise the current value's version must match.
func checkVersion(operation, expected, actual string) error {
	if expected == "" || expected == actual {
		return nil
	}
	return ConcurrencyError{
		ExpectedVersion: expected,
		ActualVersion:   actual,
		Operation:       operation,
	}
}
