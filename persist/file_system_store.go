package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	entryFileExt = ".env"
)

// FileSystemStore implements Store on a local directory with optimistic
// concurrency control. Writes go through a temp file and rename so readers
// never observe a partial value.
type FileSystemStore struct {
	basePath   string
	entriesDir string
	mu         sync.Mutex // serializes compare-and-set writes

	siteIdentityPath string
	keyMaterialPath  string
	keyBackupPath    string
	checkpointPath   string
	migrationPath    string
	auditLogPath     string
	activityLogPath  string
	noticePath       string
}

// NewFileSystemStore initializes the directory layout under basePath.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	fs := &FileSystemStore{
		basePath:         basePath,
		entriesDir:       filepath.Join(basePath, "entries"),
		siteIdentityPath: filepath.Join(basePath, "site.identity"),
		keyMaterialPath:  filepath.Join(basePath, "key.material"),
		keyBackupPath:    filepath.Join(basePath, "key.backup"),
		checkpointPath:   filepath.Join(basePath, "checkpoint.json"),
		migrationPath:    filepath.Join(basePath, "migration.json"),
		auditLogPath:     filepath.Join(basePath, "audit.log"),
		activityLogPath:  filepath.Join(basePath, "activity.log"),
		noticePath:       filepath.Join(basePath, "notice.json"),
	}

	for _, dir := range []string{fs.basePath, fs.entriesDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) save(path string, data []byte) error {
	return writeSecureFile(path, data, FilePermissions)
}

func (fs *FileSystemStore) load(path string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) exists(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fs *FileSystemStore) remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (fs *FileSystemStore) saveCAS(operation, path string, data []byte, expectedVersion string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if expectedVersion != "" {
		current, err := fs.fileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if err := checkVersion(operation, expectedVersion, current); err != nil {
			return "", err
		}
	}
	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

func (fs *FileSystemStore) fileVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return calculateVersion(data), nil
}

func (fs *FileSystemStore) SaveSiteIdentity(id []byte) error {
	if len(id) == 0 {
		return fmt.Errorf("site identity cannot be empty")
	}
	return fs.save(fs.siteIdentityPath, id)
}
func (fs *FileSystemStore) LoadSiteIdentity() (*VersionedData, error) {
	return fs.load(fs.siteIdentityPath)
}
func (fs *FileSystemStore) SiteIdentityExists() (bool, error) { return fs.exists(fs.siteIdentityPath) }

func (fs *FileSystemStore) SaveKeyMaterial(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}
	return fs.saveCAS("SaveKeyMaterial", fs.keyMaterialPath, data, expectedVersion)
}
func (fs *FileSystemStore) LoadKeyMaterial() (*VersionedData, error) {
	return fs.load(fs.keyMaterialPath)
}
func (fs *FileSystemStore) KeyMaterialExists() (bool, error) { return fs.exists(fs.keyMaterialPath) }

func (fs *FileSystemStore) SaveKeyBackup(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("backup cannot be empty")
	}
	return fs.save(fs.keyBackupPath, data)
}
func (fs *FileSystemStore) LoadKeyBackup() (*VersionedData, error) { return fs.load(fs.keyBackupPath) }
func (fs *FileSystemStore) KeyBackupExists() (bool, error)         { return fs.exists(fs.keyBackupPath) }
func (fs *FileSystemStore) DeleteKeyBackup() error                 { return fs.remove(fs.keyBackupPath) }

func (fs *FileSystemStore) SaveCheckpoint(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("checkpoint cannot be empty")
	}
	return fs.save(fs.checkpointPath, data)
}
func (fs *FileSystemStore) LoadCheckpoint() (*VersionedData, error) {
	return fs.load(fs.checkpointPath)
}
func (fs *FileSystemStore) CheckpointExists() (bool, error) { return fs.exists(fs.checkpointPath) }
func (fs *FileSystemStore) DeleteCheckpoint() error         { return fs.remove(fs.checkpointPath) }

func (fs *FileSystemStore) SaveMigrationRun(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("migration run cannot be empty")
	}
	return fs.saveCAS("SaveMigrationRun", fs.migrationPath, data, expectedVersion)
}
func (fs *FileSystemStore) LoadMigrationRun() (*VersionedData, error) {
	return fs.load(fs.migrationPath)
}
func (fs *FileSystemStore) MigrationRunExists() (bool, error) { return fs.exists(fs.migrationPath) }
func (fs *FileSystemStore) DeleteMigrationRun() error         { return fs.remove(fs.migrationPath) }

func (fs *FileSystemStore) entryPath(entryID string) string {
	return filepath.Join(fs.entriesDir, entryID+entryFileExt)
}

func (fs *FileSystemStore) SaveEntry(entryID string, data []byte) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	return fs.save(fs.entryPath(entryID), data)
}

func (fs *FileSystemStore) LoadEntry(entryID string) ([]byte, error) {
	if err := validateEntryID(entryID); err != nil {
		return nil, err
	}
	vd, err := fs.load(fs.entryPath(entryID))
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (fs *FileSystemStore) DeleteEntry(entryID string) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	return fs.remove(fs.entryPath(entryID))
}

func (fs *FileSystemStore) ListEntryIDs() ([]string, error) {
	dirEntries, err := os.ReadDir(fs.entriesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read entries directory: %w", err)
	}

	ids := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entryFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, entryFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (fs *FileSystemStore) SaveAuditLog(data []byte) error { return fs.save(fs.auditLogPath, data) }
func (fs *FileSystemStore) LoadAuditLog() ([]byte, error) {
	vd, err := fs.load(fs.auditLogPath)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (fs *FileSystemStore) SaveActivityLog(data []byte) error {
	return fs.save(fs.activityLogPath, data)
}
func (fs *FileSystemStore) LoadActivityLog() ([]byte, error) {
	vd, err := fs.load(fs.activityLogPath)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (fs *FileSystemStore) SaveNotice(data []byte) error        { return fs.save(fs.noticePath, data) }
func (fs *FileSystemStore) LoadNotice() (*VersionedData, error) { return fs.load(fs.noticePath) }
func (fs *FileSystemStore) NoticeExists() (bool, error)         { return fs.exists(fs.noticePath) }
func (fs *FileSystemStore) DeleteNotice() error                 { return fs.remove(fs.noticePath) }

func (fs *FileSystemStore) Ping() error {
	if _, err := os.Stat(fs.basePath); err != nil {
		return fmt.Errorf("store path not accessible: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Close() error { return nil }

func (fs *FileSystemStore) GetType() string { return string(StoreTypeFileSystem) }

// writeSecureFile writes atomically: temp file in the target directory,
// fsync, then rename over the destination.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
