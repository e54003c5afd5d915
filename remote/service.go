// Package remote talks to the lattice encryption service. The Service
// interface is the seam between the shield engine and whatever performs the
// actual cryptography: the HTTP Client in production, the in-process provider
// in development and tests. The Executor wraps any Service with the bounded
// retry policy.
package remote

import (
	"context"
	"time"
)

// Security levels accepted by GenerateKeyPair.
const (
	SecurityStandard = "standard" // ML-KEM-768
	SecurityHigh     = "high"     // ML-KEM-1024
)

// KeyPair is a freshly generated keypair plus the algorithm that produced it.
// Keys are base64 strings as returned by the service; callers decide how to
// protect the private half.
type KeyPair struct {
	PublicKey    string
	PrivateKey   string
	AlgorithmTag string
}

// StatusInfo describes the service health and advertised algorithms.
type StatusInfo struct {
	Healthy    bool      `json:"healthy"`
	Version    string    `json:"version"`
	Algorithms []string  `json:"algorithms"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Service is the remote-operation contract. Implementations return
// *faults.Record errors so callers can consult the taxonomy.
type Service interface {
	// GenerateKeyPair creates a keypair at the given security level
	// (SecurityStandard or SecurityHigh).
	GenerateKeyPair(ctx context.Context, securityLevel string) (*KeyPair, error)

	// Encrypt protects plaintext under the given public key and returns the
	// raw ciphertext. The algorithm tag selects the scheme.
	Encrypt(ctx context.Context, plaintext []byte, publicKey, algorithmTag string) ([]byte, error)

	// Decrypt recovers the plaintext for ciphertext produced by Encrypt.
	Decrypt(ctx context.Context, ciphertext []byte, privateKey string) ([]byte, error)

	// Status probes service health.
	Status(ctx context.Context) (*StatusInfo, error)
}
