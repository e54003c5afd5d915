package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/genexlance/postquantumlattice-sub000/faults"
)

const (
	defaultBaseTimeout = 10 * time.Second
	defaultMaxTimeout  = 60 * time.Second
	// Extra time granted per kilobyte of payload, so large values get a
	// longer deadline without unbounded waits.
	defaultPerKBTimeout = 100 * time.Millisecond
)

// Client is the HTTP implementation of Service. Every request carries bearer
// auth and a per-call deadline scaled to the payload size and capped at
// maxTimeout.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	baseTimeout time.Duration
	perKB       time.Duration
	maxTimeout  time.Duration
}

// ClientOption configures the HTTP client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts sets the payload-scaled timeout parameters. Zero values keep
// the defaults.
func WithTimeouts(base, perKB, max time.Duration) ClientOption {
	return func(c *Client) {
		if base > 0 {
			c.baseTimeout = base
		}
		if perKB > 0 {
			c.perKB = perKB
		}
		if max > 0 {
			c.maxTimeout = max
		}
	}
}

// NewClient creates a Service backed by the lattice HTTP API.
func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("service URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		baseTimeout: defaultBaseTimeout,
		perKB:       defaultPerKBTimeout,
		maxTimeout:  defaultMaxTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// timeoutFor scales the deadline with the request payload size.
func (c *Client) timeoutFor(payloadBytes int) time.Duration {
	timeout := c.baseTimeout + time.Duration(payloadBytes/1024)*c.perKB
	if timeout > c.maxTimeout {
		timeout = c.maxTimeout
	}
	return timeout
}

type generateKeyPairRequest struct {
	SecurityLevel string `json:"security_level"`
}

type generateKeyPairResponse struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Algorithm  string `json:"algorithm"`
}

type encryptRequest struct {
	Data      string `json:"data"`
	PublicKey string `json:"public_key"`
	Algorithm string `json:"algorithm"`
}

type encryptResponse struct {
	EncryptedData string `json:"encrypted_data"`
}

type decryptRequest struct {
	EncryptedData string `json:"encrypted_data"`
	PrivateKey    string `json:"private_key"`
}

type decryptResponse struct {
	Data string `json:"data"`
}

// GenerateKeyPair requests a new keypair from the service.
func (c *Client) GenerateKeyPair(ctx context.Context, securityLevel string) (*KeyPair, error) {
	if securityLevel != SecurityStandard && securityLevel != SecurityHigh {
		return nil, faults.New(faults.InvalidData, "unknown security level %q", securityLevel)
	}

	var resp generateKeyPairResponse
	if err := c.post(ctx, "/api/generate-keypair", "generate_keypair",
		generateKeyPairRequest{SecurityLevel: securityLevel}, &resp); err != nil {
		return nil, err
	}
	if resp.PublicKey == "" || resp.PrivateKey == "" || resp.Algorithm == "" {
		return nil, faults.New(faults.KeyGenerationFailed, "service returned an incomplete keypair")
	}
	return &KeyPair{
		PublicKey:    resp.PublicKey,
		PrivateKey:   resp.PrivateKey,
		AlgorithmTag: resp.Algorithm,
	}, nil
}

// Encrypt protects plaintext under publicKey via the service.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte, publicKey, algorithmTag string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, faults.New(faults.InvalidData, "nothing to encrypt")
	}
	if publicKey == "" {
		return nil, faults.New(faults.InvalidKey, "public key is empty")
	}

	var resp encryptResponse
	req := encryptRequest{
		Data:      base64.StdEncoding.EncodeToString(plaintext),
		PublicKey: publicKey,
		Algorithm: algorithmTag,
	}
	if err := c.post(ctx, "/api/encrypt", "encrypt", req, &resp); err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(resp.EncryptedData)
	if err != nil {
		return nil, faults.Wrap(faults.EncryptionFailed, err, "service returned malformed ciphertext")
	}
	return ciphertext, nil
}

// Decrypt recovers plaintext via the service.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte, privateKey string) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, faults.New(faults.InvalidData, "nothing to decrypt")
	}
	if privateKey == "" {
		return nil, faults.New(faults.InvalidKey, "private key is empty")
	}

	var resp decryptResponse
	req := decryptRequest{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		PrivateKey:    privateKey,
	}
	if err := c.post(ctx, "/api/decrypt", "decrypt", req, &resp); err != nil {
		return nil, err
	}

	plaintext, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, faults.Wrap(faults.DecryptionFailed, err, "service returned malformed plaintext")
	}
	return plaintext, nil
}

// Status probes the service health endpoint.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	info := &StatusInfo{}
	if err := c.get(ctx, "/api/status", "status", info); err != nil {
		return nil, err
	}
	info.CheckedAt = time.Now().UTC()
	return info, nil
}

func (c *Client) post(ctx context.Context, path, operation string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return faults.Wrap(faults.InvalidData, err, "failed to marshal %s request", operation)
	}
	return c.do(ctx, http.MethodPost, path, operation, data, result)
}

func (c *Client) get(ctx context.Context, path, operation string, result interface{}) error {
	return c.do(ctx, http.MethodGet, path, operation, nil, result)
}

func (c *Client) do(ctx context.Context, method, path, operation string, body []byte, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(len(body)))
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return faults.Wrap(faults.InvalidData, err, "failed to create %s request", operation)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Classify(err).WithContext("operation", operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return faults.FromStatus(resp.StatusCode, operation, serviceErrorText(raw))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return faults.Wrap(faults.InvalidData, err, "failed to decode %s response", operation)
		}
	}
	return nil
}

// serviceErrorText pulls the error field out of a JSON error body, falling
// back to the raw text.
func serviceErrorText(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
