// Package faults defines the error taxonomy shared by the shield engine and
// the remote lattice service client. Every failure that crosses the remote
// boundary is normalized into a Record carrying a stable Code, so callers can
// decide on retries and user messaging without string matching.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Code identifies a failure class. Codes are stable and appear in the
// persisted audit trail, so values must not be renamed.
type Code string

const (
	EncryptionFailed    Code = "encryption_failed"
	DecryptionFailed    Code = "decryption_failed"
	KeyGenerationFailed Code = "key_generation_failed"
	ConnectionFailed    Code = "connection_failed"
	InvalidKey          Code = "invalid_key"
	ServiceUnavailable  Code = "service_unavailable"
	RateLimitExceeded   Code = "rate_limit_exceeded"
	Timeout             Code = "timeout"
	InvalidData         Code = "invalid_data"
	PermissionDenied    Code = "permission_denied"
)

// retryable is the fixed set of codes worth retrying. Everything else fails
// on the first attempt.
var retryable = map[Code]bool{
	ConnectionFailed:   true,
	ServiceUnavailable: true,
	RateLimitExceeded:  true,
	Timeout:            true,
}

// critical codes surface a standing admin notice until dismissed.
var critical = map[Code]bool{
	KeyGenerationFailed: true,
	InvalidKey:          true,
	ServiceUnavailable:  true,
}

// adminAction codes require operator intervention and are never auto-retried.
var adminAction = map[Code]bool{
	InvalidKey:       true,
	PermissionDenied: true,
}

// userMessages maps codes to neutral, non-technical descriptions.
var userMessages = map[Code]string{
	EncryptionFailed:    "The value could not be protected. Please try again.",
	DecryptionFailed:    "The protected value could not be read.",
	KeyGenerationFailed: "New security keys could not be created.",
	ConnectionFailed:    "The encryption service could not be reached.",
	InvalidKey:          "The security keys for this site are not valid.",
	ServiceUnavailable:  "The encryption service is temporarily unavailable.",
	RateLimitExceeded:   "Too many requests were made in a short time.",
	Timeout:             "The encryption service took too long to respond.",
	InvalidData:         "The submitted value could not be processed.",
	PermissionDenied:    "This site is not allowed to perform that action.",
}

const genericMessage = "An unexpected problem occurred."

// Retryable reports whether operations failing with this code may be retried.
func (c Code) Retryable() bool { return retryable[c] }

// Critical reports whether failures with this code must be surfaced as a
// standing notice.
func (c Code) Critical() bool { return critical[c] }

// RequiresAdmin reports whether the failure needs operator action.
func (c Code) RequiresAdmin() bool { return adminAction[c] }

// UserMessage returns the static user-facing description for the code.
// Unknown codes fall back to a generic message.
func (c Code) UserMessage() string {
	if msg, ok := userMessages[c]; ok {
		return msg
	}
	return genericMessage
}

// Record is the normalized failure outcome. It implements error so it can
// flow through ordinary return paths, and it never wraps a panic: producing
// a Record is always a plain value construction.
type Record struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

// New builds a Record for the given code. The message is the internal
// diagnostic; UserMessage() on the code is what end users see.
func New(code Code, format string, args ...interface{}) *Record {
	return &Record{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code.Retryable(),
		Timestamp: time.Now().UTC(),
	}
}

// Wrap builds a Record that retains its cause for errors.Is/As chains.
func Wrap(code Code, cause error, format string, args ...interface{}) *Record {
	r := New(code, format, args...)
	r.cause = cause
	return r
}

// WithContext attaches diagnostic context and returns the record.
func (r *Record) WithContext(key string, value interface{}) *Record {
	if r.Context == nil {
		r.Context = make(map[string]interface{})
	}
	r.Context[key] = value
	return r
}

func (r *Record) Error() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Unwrap returns the underlying cause, if any.
func (r *Record) Unwrap() error { return r.cause }

// Is matches records by code, so callers can compare against a sentinel
// built with New(code, "").
func (r *Record) Is(target error) bool {
	var other *Record
	if errors.As(target, &other) {
		return r.Code == other.Code
	}
	return false
}

// UserMessage returns the user-facing text for this record.
func (r *Record) UserMessage() string { return r.Code.UserMessage() }

// CodeOf extracts the taxonomy code from an error, classifying plain
// transport errors on the fly. Unknown errors map to ConnectionFailed when
// they look network-shaped and InvalidData otherwise.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var rec *Record
	if errors.As(err, &rec) {
		return rec.Code
	}
	return Classify(err).Code
}

// Classify converts an arbitrary error into a Record. Existing Records pass
// through unchanged.
func Classify(err error) *Record {
	if err == nil {
		return nil
	}
	var rec *Record
	if errors.As(err, &rec) {
		return rec
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, err, "operation deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(Timeout, err, "network timeout: %v", err)
		}
		return Wrap(ConnectionFailed, err, "network failure: %v", err)
	}
	return Wrap(ConnectionFailed, err, "%v", err)
}

// FromStatus maps an HTTP status from the remote service to a Record.
// The operation name scopes non-2xx statuses to the right crypto code.
func FromStatus(status int, operation string, body string) *Record {
	switch {
	case status == 401 || status == 403:
		return New(PermissionDenied, "service rejected credentials (HTTP %d)", status)
	case status == 408 || status == 504:
		return New(Timeout, "service timed out (HTTP %d)", status)
	case status == 429:
		return New(RateLimitExceeded, "service rate limit hit (HTTP %d)", status)
	case status == 400 || status == 422:
		return New(InvalidData, "service rejected payload (HTTP %d): %s", status, body)
	case status == 503 || status == 502:
		return New(ServiceUnavailable, "service unavailable (HTTP %d)", status)
	case status >= 500:
		return operationCode(operation, status, body)
	default:
		return operationCode(operation, status, body)
	}
}

func operationCode(operation string, status int, body string) *Record {
	var code Code
	switch operation {
	case "generate_keypair":
		code = KeyGenerationFailed
	case "encrypt":
		code = EncryptionFailed
	case "decrypt":
		code = DecryptionFailed
	default:
		code = ServiceUnavailable
	}
	return New(code, "%s failed (HTTP %d): %s", operation, status, body)
}
