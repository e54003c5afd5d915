package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/genexlance/postquantumlattice-sub000/faults"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, "test-key")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return server, client
}

func TestClientGenerateKeyPair(t *testing.T) {
	var gotAuth, gotPath string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var req struct {
			SecurityLevel string `json:"security_level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.SecurityLevel != SecurityHigh {
			t.Errorf("want security level %q, got %q", SecurityHigh, req.SecurityLevel)
		}

		json.NewEncoder(w).Encode(map[string]string{
			"public_key":  "pub",
			"private_key": "priv",
			"algorithm":   "ML-KEM-1024",
		})
	})

	pair, err := client.GenerateKeyPair(context.Background(), SecurityHigh)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if pair.PublicKey != "pub" || pair.PrivateKey != "priv" || pair.AlgorithmTag != "ML-KEM-1024" {
		t.Errorf("unexpected keypair: %+v", pair)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("bearer auth not sent, got %q", gotAuth)
	}
	if gotPath != "/api/generate-keypair" {
		t.Errorf("wrong path %q", gotPath)
	}
}

func TestClientGenerateKeyPairRejectsUnknownLevel(t *testing.T) {
	client, err := NewClient("http://localhost:1", "k")
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.GenerateKeyPair(context.Background(), "ultra")
	if faults.CodeOf(err) != faults.InvalidData {
		t.Fatalf("want invalid_data, got %v", err)
	}
}

func TestClientEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("sensitive value")
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/encrypt":
			var req struct {
				Data string `json:"data"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			// Echo service: ciphertext is the payload reversed.
			raw, _ := base64.StdEncoding.DecodeString(req.Data)
			for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
				raw[i], raw[j] = raw[j], raw[i]
			}
			json.NewEncoder(w).Encode(map[string]string{
				"encrypted_data": base64.StdEncoding.EncodeToString(raw),
			})
		case "/api/decrypt":
			var req struct {
				EncryptedData string `json:"encrypted_data"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			raw, _ := base64.StdEncoding.DecodeString(req.EncryptedData)
			for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
				raw[i], raw[j] = raw[j], raw[i]
			}
			json.NewEncoder(w).Encode(map[string]string{
				"data": base64.StdEncoding.EncodeToString(raw),
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	ciphertext, err := client.Encrypt(context.Background(), plaintext, "pub", "ML-KEM-768")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	recovered, err := client.Decrypt(context.Background(), ciphertext, "priv")
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(recovered) != string(plaintext) {
		t.Errorf("round trip mismatch: %q", recovered)
	}
}

func TestClientStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode faults.Code
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, faults.PermissionDenied},
		{"rate limited", http.StatusTooManyRequests, ``, faults.RateLimitExceeded},
		{"unavailable", http.StatusServiceUnavailable, ``, faults.ServiceUnavailable},
		{"bad payload", http.StatusUnprocessableEntity, `{"error":"too large"}`, faults.InvalidData},
		{"gateway timeout", http.StatusGatewayTimeout, ``, faults.Timeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Encrypt(context.Background(), []byte("x"), "pub", "ML-KEM-768")
			if faults.CodeOf(err) != tt.wantCode {
				t.Errorf("want %s, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestClientEncryptFailureScopedToOperation(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	})

	_, err := client.Encrypt(context.Background(), []byte("x"), "pub", "ML-KEM-768")
	if faults.CodeOf(err) != faults.EncryptionFailed {
		t.Errorf("500 on encrypt should classify as encryption_failed, got %v", err)
	}
	_, err = client.Decrypt(context.Background(), []byte("x"), "priv")
	if faults.CodeOf(err) != faults.DecryptionFailed {
		t.Errorf("500 on decrypt should classify as decryption_failed, got %v", err)
	}
}

func TestClientConnectionFailure(t *testing.T) {
	server, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	_, err := client.Status(context.Background())
	var rec *faults.Record
	if !errors.As(err, &rec) {
		t.Fatalf("want a classified record, got %v", err)
	}
	if rec.Code != faults.ConnectionFailed && rec.Code != faults.Timeout {
		t.Errorf("unreachable service should classify as transport failure, got %s", rec.Code)
	}
	if !rec.Retryable {
		t.Error("transport failures must be retryable")
	}
}

func TestClientTimeoutScaling(t *testing.T) {
	client, err := NewClient("http://localhost:1", "k",
		WithTimeouts(2*time.Second, 100*time.Millisecond, 5*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	if got := client.timeoutFor(0); got != 2*time.Second {
		t.Errorf("empty payload: want 2s, got %v", got)
	}
	if got := client.timeoutFor(10 * 1024); got != 3*time.Second {
		t.Errorf("10KB payload: want 3s, got %v", got)
	}
	// Cap applies.
	if got := client.timeoutFor(10 * 1024 * 1024); got != 5*time.Second {
		t.Errorf("huge payload: want capped 5s, got %v", got)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", "key"); err == nil {
		t.Error("empty URL must fail")
	}
	if _, err := NewClient("http://svc", ""); err == nil {
		t.Error("empty API key must fail")
	}
}
