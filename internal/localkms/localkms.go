// Package localkms is an in-process stand-in for the lattice encryption
// service. It implements the same operation contract with real ML-KEM
// encapsulation and an XChaCha20-Poly1305 data layer, so development and
// tests run without a network. It is a service implementation, not part of
// the engine path.
package localkms

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/genexlance/postquantumlattice-sub000/faults"
	"github.com/genexlance/postquantumlattice-sub000/remote"
)

const (
	tagMLKEM768  = "ML-KEM-768"
	tagMLKEM1024 = "ML-KEM-1024"

	// kdfContext separates the DEM key from any other use of the shared
	// secret. Changing it invalidates every stored ciphertext.
	kdfContext = "pqls-localkms-v1"

	version = "localkms-1.0"
)

// KMS is the in-process provider. The zero value is not usable; call New.
type KMS struct {
	now func() time.Time
}

// New returns an in-process remote.Service.
func New() *KMS {
	return &KMS{now: time.Now}
}

var _ remote.Service = (*KMS)(nil)

func schemeForLevel(securityLevel string) (kem.Scheme, string, error) {
	switch securityLevel {
	case remote.SecurityStandard:
		return mlkem768.Scheme(), tagMLKEM768, nil
	case remote.SecurityHigh:
		return mlkem1024.Scheme(), tagMLKEM1024, nil
	default:
		return nil, "", faults.New(faults.InvalidData, "unknown security level %q", securityLevel)
	}
}

func schemeForTag(algorithmTag string) (kem.Scheme, error) {
	switch algorithmTag {
	case tagMLKEM768:
		return mlkem768.Scheme(), nil
	case tagMLKEM1024:
		return mlkem1024.Scheme(), nil
	default:
		return nil, faults.New(faults.InvalidData, "unsupported algorithm %q", algorithmTag)
	}
}

// schemeForPrivateKey infers the scheme from the private key length, since
// decrypt requests carry no algorithm tag.
func schemeForPrivateKey(privateKey []byte) (kem.Scheme, error) {
	switch len(privateKey) {
	case mlkem768.Scheme().PrivateKeySize():
		return mlkem768.Scheme(), nil
	case mlkem1024.Scheme().PrivateKeySize():
		return mlkem1024.Scheme(), nil
	default:
		return nil, faults.New(faults.InvalidKey, "private key has unexpected length %d", len(privateKey))
	}
}

// GenerateKeyPair creates an ML-KEM keypair at the requested level.
func (k *KMS) GenerateKeyPair(ctx context.Context, securityLevel string) (*remote.KeyPair, error) {
	scheme, tag, err := schemeForLevel(securityLevel)
	if err != nil {
		return nil, err
	}

	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, faults.Wrap(faults.KeyGenerationFailed, err, "keypair generation failed")
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, faults.Wrap(faults.KeyGenerationFailed, err, "public key marshal failed")
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, faults.Wrap(faults.KeyGenerationFailed, err, "private key marshal failed")
	}

	return &remote.KeyPair{
		PublicKey:    base64.StdEncoding.EncodeToString(pubBytes),
		PrivateKey:   base64.StdEncoding.EncodeToString(privBytes),
		AlgorithmTag: tag,
	}, nil
}

// Encrypt encapsulates a fresh shared secret under publicKey and seals the
// plaintext with XChaCha20-Poly1305. Output layout: kemCT || nonce || sealed.
func (k *KMS) Encrypt(ctx context.Context, plaintext []byte, publicKey, algorithmTag string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, faults.New(faults.InvalidData, "nothing to encrypt")
	}
	scheme, err := schemeForTag(algorithmTag)
	if err != nil {
		return nil, err
	}

	pubBytes, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidKey, err, "public key is not base64")
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(pubBytes)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidKey, err, "public key rejected")
	}

	kemCT, sharedSecret, err := scheme.Encapsulate(pub)
	if err != nil {
		return nil, faults.Wrap(faults.EncryptionFailed, err, "encapsulation failed")
	}

	aead, err := newAEAD(sharedSecret, kemCT)
	if err != nil {
		return nil, faults.Wrap(faults.EncryptionFailed, err, "cipher setup failed")
	}
	nonce, err := randomNonce(aead.NonceSize())
	if err != nil {
		return nil, faults.Wrap(faults.EncryptionFailed, err, "nonce generation failed")
	}

	out := make([]byte, 0, len(kemCT)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, kemCT...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, kemCT)
	return out, nil
}

// Decrypt reverses Encrypt. The scheme is inferred from the private key
// length.
func (k *KMS) Decrypt(ctx context.Context, ciphertext []byte, privateKey string) ([]byte, error) {
	privBytes, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidKey, err, "private key is not base64")
	}
	scheme, err := schemeForPrivateKey(privBytes)
	if err != nil {
		return nil, err
	}

	ctSize := scheme.CiphertextSize()
	minLen := ctSize + chacha20poly1305.NonceSizeX
	if len(ciphertext) <= minLen {
		return nil, faults.New(faults.InvalidData, "ciphertext too short (%d bytes)", len(ciphertext))
	}
	kemCT := ciphertext[:ctSize]
	nonce := ciphertext[ctSize : ctSize+chacha20poly1305.NonceSizeX]
	sealed := ciphertext[ctSize+chacha20poly1305.NonceSizeX:]

	priv, err := scheme.UnmarshalBinaryPrivateKey(privBytes)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidKey, err, "private key rejected")
	}
	sharedSecret, err := scheme.Decapsulate(priv, kemCT)
	if err != nil {
		return nil, faults.Wrap(faults.DecryptionFailed, err, "decapsulation failed")
	}

	aead, err := newAEAD(sharedSecret, kemCT)
	if err != nil {
		return nil, faults.Wrap(faults.DecryptionFailed, err, "cipher setup failed")
	}
	plaintext, err := aead.Open(nil, nonce, sealed, kemCT)
	if err != nil {
		return nil, faults.Wrap(faults.DecryptionFailed, err, "authentication failed")
	}
	return plaintext, nil
}

// Status always reports healthy; the provider has no external dependencies.
func (k *KMS) Status(ctx context.Context) (*remote.StatusInfo, error) {
	return &remote.StatusInfo{
		Healthy:    true,
		Version:    version,
		Algorithms: []string{tagMLKEM768, tagMLKEM1024},
		CheckedAt:  k.now().UTC(),
	}, nil
}

// newAEAD derives the DEM key from the KEM shared secret with the KEM
// ciphertext as salt, binding the data layer to this encapsulation.
func newAEAD(sharedSecret, kemCT []byte) (cipher.AEAD, error) {
	salt := sha256.Sum256(kemCT)
	reader := hkdf.New(sha256.New, sharedSecret, salt[:], []byte(kdfContext))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func randomNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
