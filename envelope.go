package pqls

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FormatVersion identifies the envelope generation.
type FormatVersion int

const (
	// FormatLegacy is the unstructured pre-isolation format: a bare prefix
	// followed by the raw service payload. Kept for backward compatibility.
	FormatLegacy FormatVersion = 1

	// FormatV2 is the structured, self-describing format carrying the
	// algorithm tag and the producing site's identity.
	FormatV2 FormatVersion = 2
)

// Envelope prefixes. The prefix alone distinguishes the envelope family so
// callers can sort ciphertext from plaintext without decoding.
const (
	PrefixPostQuantum = "pqls-pq"
	PrefixClassical   = "pqls-rsa"
	PrefixLegacy      = "legacy"

	prefixSeparator = "::"
)

// Envelope is the at-rest ciphertext unit.
type Envelope struct {
	FormatVersion FormatVersion
	AlgorithmTag  string
	Ciphertext    []byte
	SiteID        string
	EncryptedAt   time.Time
}

// envelopeWire is the serialized V2 record inside the base64 section.
type envelopeWire struct {
	Algorithm   string    `json:"algorithm"`
	Data        []byte    `json:"data"`
	SiteID      string    `json:"site_id"`
	EncryptedAt time.Time `json:"encrypted_at"`
	Version     int       `json:"version"`
}

// IsPostQuantumAlgorithm reports whether the tag names a lattice scheme.
// Anything else is treated as a classical fallback.
func IsPostQuantumAlgorithm(tag string) bool {
	upper := strings.ToUpper(tag)
	return strings.HasPrefix(upper, "ML-KEM") || strings.HasPrefix(upper, "KYBER")
}

// EncodeEnvelope serializes ciphertext into the V2 envelope string:
// <prefix>::<base64(json record)>. The prefix is chosen from the algorithm
// family so envelope generations can be told apart on sight.
func EncodeEnvelope(ciphertext []byte, algorithmTag, siteID string) (string, error) {
	if len(ciphertext) == 0 {
		return "", fmt.Errorf("ciphertext cannot be empty")
	}
	if algorithmTag == "" {
		return "", fmt.Errorf("algorithm tag cannot be empty")
	}

	prefix := PrefixClassical
	if IsPostQuantumAlgorithm(algorithmTag) {
		prefix = PrefixPostQuantum
	}

	wire := envelopeWire{
		Algorithm:   algorithmTag,
		Data:        ciphertext,
		SiteID:      siteID,
		EncryptedAt: time.Now().UTC(),
		Version:     int(FormatV2),
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return prefix + prefixSeparator + base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeEnvelope parses an envelope string. Inputs carrying a V2 prefix are
// base64-decoded and deserialized; any structural failure, and any input
// carrying the bare legacy prefix, falls back to the Legacy interpretation
// where the payload is simply the remainder of the string.
func DecodeEnvelope(value string) (*Envelope, error) {
	prefix, payload, ok := splitPrefix(value)
	if !ok {
		return nil, fmt.Errorf("value does not carry a recognized envelope prefix")
	}

	if prefix == PrefixLegacy {
		return legacyEnvelope(payload), nil
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return legacyEnvelope(payload), nil
	}
	var wire envelopeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return legacyEnvelope(payload), nil
	}
	if wire.Version != int(FormatV2) || wire.Algorithm == "" || len(wire.Data) == 0 {
		return legacyEnvelope(payload), nil
	}

	return &Envelope{
		FormatVersion: FormatV2,
		AlgorithmTag:  wire.Algorithm,
		Ciphertext:    wire.Data,
		SiteID:        wire.SiteID,
		EncryptedAt:   wire.EncryptedAt,
	}, nil
}

// IsEnvelope reports whether the value matches any recognized envelope
// prefix. It never decodes the payload.
func IsEnvelope(value string) bool {
	_, _, ok := splitPrefix(value)
	return ok
}

func splitPrefix(value string) (prefix, payload string, ok bool) {
	for _, p := range []string{PrefixPostQuantum, PrefixClassical, PrefixLegacy} {
		marker := p + prefixSeparator
		if strings.HasPrefix(value, marker) {
			return p, value[len(marker):], true
		}
	}
	return "", "", false
}

func legacyEnvelope(payload string) *Envelope {
	return &Envelope{
		FormatVersion: FormatLegacy,
		Ciphertext:    []byte(payload),
	}
}
