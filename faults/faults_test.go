package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryableSet(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{EncryptionFailed, false},
		{DecryptionFailed, false},
		{KeyGenerationFailed, false},
		{ConnectionFailed, true},
		{InvalidKey, false},
		{ServiceUnavailable, true},
		{RateLimitExceeded, true},
		{Timeout, true},
		{InvalidData, false},
		{PermissionDenied, false},
	}

	for _, tt := range tests {
		if got := tt.code.Retryable(); got != tt.want {
			t.Errorf("%s retryable = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCriticalSet(t *testing.T) {
	for _, code := range []Code{KeyGenerationFailed, InvalidKey, ServiceUnavailable} {
		if !code.Critical() {
			t.Errorf("%s should be critical", code)
		}
	}
	for _, code := range []Code{EncryptionFailed, Timeout, RateLimitExceeded} {
		if code.Critical() {
			t.Errorf("%s should not be critical", code)
		}
	}
}

func TestUserMessageFallback(t *testing.T) {
	if Code("no_such_code").UserMessage() != genericMessage {
		t.Error("unknown code should map to the generic message")
	}
	for code, want := range userMessages {
		if code.UserMessage() != want {
			t.Errorf("message mismatch for %s", code)
		}
	}
}

func TestRecordErrorAndIs(t *testing.T) {
	rec := New(InvalidKey, "key %d rejected", 7)
	if rec.Error() != "invalid_key: key 7 rejected" {
		t.Errorf("unexpected Error(): %s", rec.Error())
	}
	if rec.Retryable {
		t.Error("invalid_key must not be retryable")
	}
	if !errors.Is(rec, New(InvalidKey, "")) {
		t.Error("records with the same code should match via errors.Is")
	}
	if errors.Is(rec, New(Timeout, "")) {
		t.Error("records with different codes must not match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	rec := Wrap(ConnectionFailed, cause, "post failed")
	if !errors.Is(rec, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("nil error should classify to nil")
	}

	rec := Classify(context.DeadlineExceeded)
	if rec.Code != Timeout {
		t.Errorf("deadline exceeded should classify as timeout, got %s", rec.Code)
	}

	orig := New(RateLimitExceeded, "slow down")
	if got := Classify(fmt.Errorf("outer: %w", orig)); got.Code != RateLimitExceeded {
		t.Errorf("existing record should pass through, got %s", got.Code)
	}

	if got := Classify(errors.New("connection refused")); got.Code != ConnectionFailed {
		t.Errorf("plain error should classify as connection_failed, got %s", got.Code)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		operation string
		want      Code
	}{
		{401, "encrypt", PermissionDenied},
		{403, "decrypt", PermissionDenied},
		{408, "encrypt", Timeout},
		{429, "encrypt", RateLimitExceeded},
		{400, "encrypt", InvalidData},
		{503, "status", ServiceUnavailable},
		{500, "generate_keypair", KeyGenerationFailed},
		{500, "encrypt", EncryptionFailed},
		{500, "decrypt", DecryptionFailed},
	}
	for _, tt := range tests {
		rec := FromStatus(tt.status, tt.operation, "")
		if rec.Code != tt.want {
			t.Errorf("FromStatus(%d, %s) = %s, want %s", tt.status, tt.operation, rec.Code, tt.want)
		}
	}
}

func TestRequiresAdmin(t *testing.T) {
	if !InvalidKey.RequiresAdmin() || !PermissionDenied.RequiresAdmin() {
		t.Error("invalid_key and permission_denied require admin action")
	}
	if Timeout.RequiresAdmin() {
		t.Error("timeout should not require admin action")
	}
}
