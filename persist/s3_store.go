package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store implements Store on S3-compatible object storage via minio.
// Object storage has no native compare-and-set; the CAS methods do a
// read-compare-write under a local lock, which is best effort and assumes
// a single writer per installation (the hosting model this engine targets).
type S3Store struct {
	client     *minio.Client
	bucketName string
	prefix     string
	mu         sync.Mutex
}

// S3Config holds connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
	UseSSL          bool   `json:"use_ssl"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
}

// NewS3Store connects to the backend and ensures the bucket exists.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("endpoint and bucket_name are required for s3 store")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{client: client, bucketName: cfg.BucketName, prefix: prefix}, nil
}

// NewS3StoreFromConfig creates an S3Store from StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	cfg := S3Config{}
	str := func(key string) string {
		v, _ := config.Config[key].(string)
		return v
	}
	cfg.Endpoint = str("endpoint")
	cfg.AccessKeyID = str("access_key_id")
	cfg.SecretAccessKey = str("secret_access_key")
	cfg.BucketName = str("bucket_name")
	cfg.Prefix = str("prefix")
	cfg.Region = str("region")
	if useSSL, ok := config.Config["use_ssl"].(bool); ok {
		cfg.UseSSL = useSSL
	}
	return NewS3Store(cfg)
}

func (s *S3Store) objectKey(name string) string { return s.prefix + name }

func (s *S3Store) put(name string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucketName, s.objectKey(name),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to write object %s: %w", name, err)
	}
	return nil
}

func (s *S3Store) fetch(name string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", name, err)
	}

	stat, err := obj.Stat()
	timestamp := time.Now()
	if err == nil {
		timestamp = stat.LastModified
	}
	return &VersionedData{Data: data, Version: calculateVersion(data), Timestamp: timestamp}, nil
}

func (s *S3Store) objectExists(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucketName, s.objectKey(name), minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", name, err)
	}
	return true, nil
}

func (s *S3Store) remove(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.client.RemoveObject(ctx, s.bucketName, s.objectKey(name), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %s: %w", name, err)
	}
	return nil
}

func (s *S3Store) putCAS(operation, name string, data []byte, expectedVersion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion != "" {
		current := ""
		if vd, err := s.fetch(name); err == nil {
			current = vd.Version
		}
		if err := checkVersion(operation, expectedVersion, current); err != nil {
			return "", err
		}
	}
	if err := s.put(name, data); err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

func (s *S3Store) SaveSiteIdentity(id []byte) error {
	if len(id) == 0 {
		return fmt.Errorf("site identity cannot be empty")
	}
	return s.put(keySiteIdentity, id)
}
func (s *S3Store) LoadSiteIdentity() (*VersionedData, error) { return s.fetch(keySiteIdentity) }
func (s *S3Store) SiteIdentityExists() (bool, error)         { return s.objectExists(keySiteIdentity) }

func (s *S3Store) SaveKeyMaterial(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}
	return s.putCAS("SaveKeyMaterial", keyKeyMaterial, data, expectedVersion)
}
func (s *S3Store) LoadKeyMaterial() (*VersionedData, error) { return s.fetch(keyKeyMaterial) }
func (s *S3Store) KeyMaterialExists() (bool, error)         { return s.objectExists(keyKeyMaterial) }

func (s *S3Store) SaveKeyBackup(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("backup cannot be empty")
	}
	return s.put(keyKeyBackup, data)
}
func (s *S3Store) LoadKeyBackup() (*VersionedData, error) { return s.fetch(keyKeyBackup) }
func (s *S3Store) KeyBackupExists() (bool, error)         { return s.objectExists(keyKeyBackup) }
func (s *S3Store) DeleteKeyBackup() error                 { return s.remove(keyKeyBackup) }

func (s *S3Store) SaveCheckpoint(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("checkpoint cannot be empty")
	}
	return s.put(keyCheckpoint, data)
}
func (s *S3Store) LoadCheckpoint() (*VersionedData, error) { return s.fetch(keyCheckpoint) }
func (s *S3Store) CheckpointExists() (bool, error)         { return s.objectExists(keyCheckpoint) }
func (s *S3Store) DeleteCheckpoint() error                 { return s.remove(keyCheckpoint) }

func (s *S3Store) SaveMigrationRun(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("migration run cannot be empty")
	}
	return s.putCAS("SaveMigrationRun", keyMigration, data, expectedVersion)
}
func (s *S3Store) LoadMigrationRun() (*VersionedData, error) { return s.fetch(keyMigration) }
func (s *S3Store) MigrationRunExists() (bool, error)         { return s.objectExists(keyMigration) }
func (s *S3Store) DeleteMigrationRun() error                 { return s.remove(keyMigration) }

func (s *S3Store) SaveEntry(entryID string, data []byte) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	return s.put(entryPrefix+entryID, data)
}

func (s *S3Store) LoadEntry(entryID string) ([]byte, error) {
	if err := validateEntryID(entryID); err != nil {
		return nil, err
	}
	vd, err := s.fetch(entryPrefix + entryID)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (s *S3Store) DeleteEntry(entryID string) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	return s.remove(entryPrefix + entryID)
}

func (s *S3Store) ListEntryIDs() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	objectPrefix := s.objectKey(entryPrefix)
	ids := []string{}
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    objectPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list entries: %w", obj.Err)
		}
		ids = append(ids, strings.TrimPrefix(obj.Key, objectPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *S3Store) SaveAuditLog(data []byte) error { return s.put(keyAuditLog, data) }
func (s *S3Store) LoadAuditLog() ([]byte, error) {
	vd, err := s.fetch(keyAuditLog)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (s *S3Store) SaveActivityLog(data []byte) error { return s.put(keyActivityLog, data) }
func (s *S3Store) LoadActivityLog() ([]byte, error) {
	vd, err := s.fetch(keyActivityLog)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (s *S3Store) SaveNotice(data []byte) error        { return s.put(keyNotice, data) }
func (s *S3Store) LoadNotice() (*VersionedData, error) { return s.fetch(keyNotice) }
func (s *S3Store) NoticeExists() (bool, error)         { return s.objectExists(keyNotice) }
func (s *S3Store) DeleteNotice() error                 { return s.remove(keyNotice) }

func (s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.client.BucketExists(ctx, s.bucketName); err != nil {
		return fmt.Errorf("s3 backend not reachable: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func (s *S3Store) GetType() string { return string(StoreTypeS3) }
