package pqls

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/genexlance/postquantumlattice-sub000/faults"
	"github.com/genexlance/postquantumlattice-sub000/persist"
	"github.com/genexlance/postquantumlattice-sub000/remote"
)

// Security levels accepted by the engine, mapped to lattice schemes by the
// encryption service.
const (
	SecurityStandard = remote.SecurityStandard
	SecurityHigh     = remote.SecurityHigh
)

// KeyMaterial is the active keypair for this installation. The private half
// lives in a memguard enclave and only leaves it for the duration of a
// service call.
type KeyMaterial struct {
	AlgorithmTag  string
	SecurityLevel string
	PublicKey     string
	GeneratedAt   time.Time

	private *memguard.Enclave
}

// keyMaterialRecord is the at-rest JSON form.
type keyMaterialRecord struct {
	PublicKey     string    `json:"public_key"`
	PrivateKey    string    `json:"private_key"`
	Algorithm     string    `json:"algorithm"`
	SecurityLevel string    `json:"security_level"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// newKeyMaterial seals a freshly generated keypair.
func newKeyMaterial(pair *remote.KeyPair, securityLevel string) *KeyMaterial {
	return &KeyMaterial{
		AlgorithmTag:  pair.AlgorithmTag,
		SecurityLevel: securityLevel,
		PublicKey:     pair.PublicKey,
		GeneratedAt:   time.Now().UTC(),
		private:       memguard.NewEnclave([]byte(pair.PrivateKey)),
	}
}

// privateKey opens the enclave and hands the key to fn. The locked buffer is
// destroyed when fn returns.
func (k *KeyMaterial) privateKey(fn func(privateKey string) error) error {
	if k.private == nil {
		return faults.New(faults.InvalidKey, "key material has no private key")
	}
	buf, err := k.private.Open()
	if err != nil {
		return faults.Wrap(faults.InvalidKey, err, "failed to open key enclave")
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// marshal serializes the key material for persistence.
func (k *KeyMaterial) marshal() ([]byte, error) {
	var data []byte
	err := k.privateKey(func(privateKey string) error {
		var marshalErr error
		data, marshalErr = json.Marshal(keyMaterialRecord{
			PublicKey:     k.PublicKey,
			PrivateKey:    privateKey,
			Algorithm:     k.AlgorithmTag,
			SecurityLevel: k.SecurityLevel,
			GeneratedAt:   k.GeneratedAt,
		})
		return marshalErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// unmarshalKeyMaterial parses the at-rest form, sealing the private key.
func unmarshalKeyMaterial(data []byte) (*KeyMaterial, error) {
	var record keyMaterialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse key material: %w", err)
	}
	if record.PublicKey == "" || record.PrivateKey == "" || record.Algorithm == "" {
		return nil, fmt.Errorf("key material record is incomplete")
	}
	return &KeyMaterial{
		AlgorithmTag:  record.Algorithm,
		SecurityLevel: record.SecurityLevel,
		PublicKey:     record.PublicKey,
		GeneratedAt:   record.GeneratedAt,
		private:       memguard.NewEnclave([]byte(record.PrivateKey)),
	}, nil
}

// loadKeyMaterial reads the current key material from the store. Returns the
// material and its store version for CAS writes.
func loadKeyMaterial(store persist.Store) (*KeyMaterial, string, error) {
	vd, err := store.LoadKeyMaterial()
	if err != nil {
		return nil, "", err
	}
	key, err := unmarshalKeyMaterial(vd.Data)
	if err != nil {
		return nil, "", err
	}
	return key, vd.Version, nil
}

// saveKeyMaterial persists key material with optimistic concurrency. An empty
// expectedVersion writes unconditionally.
func saveKeyMaterial(store persist.Store, key *KeyMaterial, expectedVersion string) (string, error) {
	data, err := key.marshal()
	if err != nil {
		return "", err
	}
	return store.SaveKeyMaterial(data, expectedVersion)
}

func validSecurityLevel(level string) bool {
	return level == SecurityStandard || level == SecurityHigh
}
