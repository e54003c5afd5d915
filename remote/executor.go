package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/faults"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
)

// RetryPolicy parameterizes the executor's retry loop, decoupled from the
// operation being retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy returns the standard policy: three attempts with delays
// doubling from one base unit.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultMaxAttempts, BaseDelay: defaultBaseDelay, Multiplier: 2}
}

// delays builds the deterministic delay source for one run of the loop.
// Randomization is disabled so the schedule is exactly base, base*m, base*m².
func (p RetryPolicy) delays() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.BaseDelay << 10
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Executor wraps a Service with the bounded retry policy. Retryable failures
// are attempted up to MaxAttempts times with doubling delays; everything else
// fails on the first attempt. Terminal outcomes that involved a retry are
// recorded on the audit trail.
type Executor struct {
	service Service
	auditor audit.Logger
	policy  RetryPolicy

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		if policy.MaxAttempts > 0 {
			e.policy.MaxAttempts = policy.MaxAttempts
		}
		if policy.BaseDelay > 0 {
			e.policy.BaseDelay = policy.BaseDelay
		}
		if policy.Multiplier > 1 {
			e.policy.Multiplier = policy.Multiplier
		}
	}
}

// WithAuditor attaches an audit logger for terminal retry outcomes.
func WithAuditor(auditor audit.Logger) ExecutorOption {
	return func(e *Executor) { e.auditor = auditor }
}

// withSleep replaces the delay function; used by tests.
func withSleep(sleep func(time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor wraps service with the retry policy.
func NewExecutor(service Service, opts ...ExecutorOption) *Executor {
	e := &Executor{
		service: service,
		auditor: &audit.NoOpLogger{},
		policy:  DefaultRetryPolicy(),
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execute runs op under the retry policy and returns the last error,
// normalized to a *faults.Record. op names appear in the audit trail.
func (e *Executor) execute(ctx context.Context, operation string, op func(context.Context) error) error {
	delays := e.policy.delays()
	var lastErr *faults.Record

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				_ = e.auditor.Log("remote_"+operation, true, map[string]interface{}{
					"attempts": attempt,
					"retried":  true,
				})
			}
			return nil
		}

		lastErr = faults.Classify(err)
		if !lastErr.Retryable {
			break
		}
		if ctx.Err() != nil {
			lastErr = faults.Classify(ctx.Err())
			break
		}
		e.sleep(delays.NextBackOff())
	}

	_ = e.auditor.Log("remote_"+operation, false, map[string]interface{}{
		"error":     lastErr.Error(),
		"code":      string(lastErr.Code),
		"retryable": lastErr.Retryable,
	})
	return lastErr
}

// GenerateKeyPair invokes the service under the retry policy.
func (e *Executor) GenerateKeyPair(ctx context.Context, securityLevel string) (*KeyPair, error) {
	var pair *KeyPair
	err := e.execute(ctx, "generate_keypair", func(ctx context.Context) error {
		var opErr error
		pair, opErr = e.service.GenerateKeyPair(ctx, securityLevel)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Encrypt invokes the service under the retry policy.
func (e *Executor) Encrypt(ctx context.Context, plaintext []byte, publicKey, algorithmTag string) ([]byte, error) {
	var ciphertext []byte
	err := e.execute(ctx, "encrypt", func(ctx context.Context) error {
		var opErr error
		ciphertext, opErr = e.service.Encrypt(ctx, plaintext, publicKey, algorithmTag)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return ciphertext, nil
}

// Decrypt invokes the service under the retry policy.
func (e *Executor) Decrypt(ctx context.Context, ciphertext []byte, privateKey string) ([]byte, error) {
	var plaintext []byte
	err := e.execute(ctx, "decrypt", func(ctx context.Context) error {
		var opErr error
		plaintext, opErr = e.service.Decrypt(ctx, ciphertext, privateKey)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Status invokes the service under the retry policy.
func (e *Executor) Status(ctx context.Context) (*StatusInfo, error) {
	var info *StatusInfo
	err := e.execute(ctx, "status", func(ctx context.Context) error {
		var opErr error
		info, opErr = e.service.Status(ctx)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
