package pqls

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/faults"
	"github.com/genexlance/postquantumlattice-sub000/persist"
	"github.com/genexlance/postquantumlattice-sub000/remote"
)

// Shield is the envelope-isolation engine for one installation. It owns the
// site identity, the active key material, the corpus of protected entries,
// and the migration state machine.
type Shield struct {
	store    persist.Store
	executor *remote.Executor
	auditor  audit.Logger
	reporter *Reporter
	log      *logrus.Logger

	securityLevel string
	origin        string

	mu         sync.Mutex
	siteID     string
	key        *KeyMaterial
	keyVersion string
}

// New builds a Shield from options. Identity and key material are created
// lazily on first use, not here, so construction never performs network I/O.
func New(options Options) (*Shield, error) {
	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	store := options.Store
	if store == nil {
		var err error
		store, err = persist.NewStore(options.StoreConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build store: %w", err)
		}
	}

	auditConfig := options.Audit
	if auditConfig == nil {
		auditConfig = &audit.Config{Enabled: true, Type: audit.StoreAuditType}
	}
	auditor, err := audit.NewLogger(auditConfig, store)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit logger: %w", err)
	}

	service := options.Service
	if service == nil {
		service, err = remote.NewClient(options.ServiceURL, options.ServiceAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build service client: %w", err)
		}
	}

	log := options.Logger
	if log == nil {
		log = logrus.New()
	}

	securityLevel := options.SecurityLevel
	if securityLevel == "" {
		securityLevel = SecurityStandard
	}

	return &Shield{
		store: store,
		executor: remote.NewExecutor(service,
			remote.WithAuditor(auditor),
			remote.WithRetryPolicy(options.Retry)),
		auditor:       auditor,
		reporter:      NewReporter(store, auditor, log),
		log:           log,
		securityLevel: securityLevel,
		origin:        options.Origin,
	}, nil
}

// Reporter exposes the error and audit reporter for hosts that surface
// notices and activity to administrators.
func (s *Shield) Reporter() *Reporter { return s.reporter }

// Store exposes the persistence layer for hosts that manage entries
// directly.
func (s *Shield) Store() persist.Store { return s.store }

// SiteID returns the installation identity, creating it on first call.
func (s *Shield) SiteID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.siteIDLocked()
}

func (s *Shield) siteIDLocked() (string, error) {
	if s.siteID != "" {
		return s.siteID, nil
	}
	id, err := GetOrCreateSiteID(s.store, s.origin)
	if err != nil {
		return "", err
	}
	s.siteID = id
	return id, nil
}

// currentKeyLocked loads or creates the active key material. Callers hold
// s.mu.
func (s *Shield) currentKeyLocked(ctx context.Context) (*KeyMaterial, error) {
	if s.key != nil {
		return s.key, nil
	}

	key, version, err := loadKeyMaterial(s.store)
	if err == nil {
		s.key, s.keyVersion = key, version
		return key, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return nil, err
	}

	pair, err := s.executor.GenerateKeyPair(ctx, s.securityLevel)
	if err != nil {
		return nil, err
	}
	key = newKeyMaterial(pair, s.securityLevel)
	version, err = saveKeyMaterial(s.store, key, "")
	if err != nil {
		return nil, fmt.Errorf("failed to persist key material: %w", err)
	}
	s.key, s.keyVersion = key, version
	s.reporter.LogActivity(audit.LevelInfo, "generated initial key material", map[string]interface{}{
		"algorithm":      key.AlgorithmTag,
		"security_level": key.SecurityLevel,
	})
	return key, nil
}

// reloadKeyLocked drops the cached key so the next use re-reads the store.
func (s *Shield) reloadKeyLocked() {
	s.key = nil
	s.keyVersion = ""
}

// EncryptField protects a single field value and returns its envelope
// string.
func (s *Shield) EncryptField(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", s.fail("encrypt_field", faults.New(faults.InvalidData, "empty value"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	siteID, err := s.siteIDLocked()
	if err != nil {
		return "", s.fail("encrypt_field", err)
	}
	key, err := s.currentKeyLocked(ctx)
	if err != nil {
		return "", s.fail("encrypt_field", err)
	}

	ciphertext, err := s.executor.Encrypt(ctx, []byte(plaintext), key.PublicKey, key.AlgorithmTag)
	if err != nil {
		return "", s.fail("encrypt_field", err)
	}

	value, err := EncodeEnvelope(ciphertext, key.AlgorithmTag, siteID)
	if err != nil {
		return "", s.fail("encrypt_field", err)
	}
	return value, nil
}

// DecryptField recovers the plaintext of an envelope string. Envelopes
// carrying a foreign site identity are rejected regardless of key validity;
// legacy envelopes are exempt from the identity check but are attempted
// under the current key only.
func (s *Shield) DecryptField(ctx context.Context, value string) (string, error) {
	env, err := DecodeEnvelope(value)
	if err != nil {
		return "", s.fail("decrypt_field", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	siteID, err := s.siteIDLocked()
	if err != nil {
		return "", s.fail("decrypt_field", err)
	}
	if env.FormatVersion != FormatLegacy && env.SiteID != siteID {
		rec := faults.New(faults.PermissionDenied, "envelope belongs to another installation").
			WithContext("envelope_site_id", env.SiteID)
		return "", s.fail("decrypt_field", rec)
	}

	key, err := s.currentKeyLocked(ctx)
	if err != nil {
		return "", s.fail("decrypt_field", err)
	}

	plaintext, err := s.decryptWithKey(ctx, env.Ciphertext, key)
	if err != nil {
		return "", s.fail("decrypt_field", err)
	}
	return string(plaintext), nil
}

// decryptWithKey runs a decrypt call with the given key's private half.
func (s *Shield) decryptWithKey(ctx context.Context, ciphertext []byte, key *KeyMaterial) ([]byte, error) {
	var plaintext []byte
	err := key.privateKey(func(privateKey string) error {
		var opErr error
		plaintext, opErr = s.executor.Decrypt(ctx, ciphertext, privateKey)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptEntry protects a value and persists it in the entry corpus under
// entryID.
func (s *Shield) EncryptEntry(ctx context.Context, entryID, plaintext string) (string, error) {
	value, err := s.EncryptField(ctx, plaintext)
	if err != nil {
		return "", err
	}
	if err := s.store.SaveEntry(entryID, []byte(value)); err != nil {
		return "", s.fail("encrypt_entry", err)
	}
	return value, nil
}

// DecryptEntry loads and decrypts a stored entry.
func (s *Shield) DecryptEntry(ctx context.Context, entryID string) (string, error) {
	data, err := s.store.LoadEntry(entryID)
	if err != nil {
		return "", s.fail("decrypt_entry", err)
	}
	return s.DecryptField(ctx, string(data))
}

// StatusReport summarizes the installation for operators.
type StatusReport struct {
	SiteID        string             `json:"site_id"`
	Algorithm     string             `json:"algorithm"`
	SecurityLevel string             `json:"security_level"`
	EntryCount    int                `json:"entry_count"`
	HasBackup     bool               `json:"has_backup"`
	Migration     *MigrationRun      `json:"migration,omitempty"`
	Notice        *Notice            `json:"notice,omitempty"`
	Service       *remote.StatusInfo `json:"service,omitempty"`
}

// Status gathers installation and service state. A failing service probe is
// reported inside the result rather than failing the whole call.
func (s *Shield) Status(ctx context.Context) (*StatusReport, error) {
	s.mu.Lock()
	siteID, err := s.siteIDLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, s.fail("status", err)
	}
	key, err := s.currentKeyLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, s.fail("status", err)
	}
	s.mu.Unlock()

	ids, err := s.store.ListEntryIDs()
	if err != nil {
		return nil, s.fail("status", err)
	}
	hasBackup, err := s.HasBackup()
	if err != nil {
		return nil, s.fail("status", err)
	}

	report := &StatusReport{
		SiteID:        siteID,
		Algorithm:     key.AlgorithmTag,
		SecurityLevel: key.SecurityLevel,
		EntryCount:    len(ids),
		HasBackup:     hasBackup,
	}

	if run, err := s.loadMigrationRun(); err == nil {
		report.Migration = run
	}
	if notice, err := s.reporter.ActiveNotice(); err == nil {
		report.Notice = notice
	}
	if info, err := s.executor.Status(ctx); err == nil {
		report.Service = info
	}
	return report, nil
}

// fail routes an error through the reporter and returns the classified
// record.
func (s *Shield) fail(operation string, err error) error {
	s.reporter.Report(operation, err)
	return faults.Classify(err)
}

// Close releases the audit logger and the store.
func (s *Shield) Close() error {
	auditErr := s.auditor.Close()
	storeErr := s.store.Close()
	if auditErr != nil {
		return auditErr
	}
	return storeErr
}
