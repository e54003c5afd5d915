package remote

import (
	"context"
	"testing"
	"time"

	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/faults"
)

// scriptedService fails a set number of times before succeeding, recording
// every call.
type scriptedService struct {
	failures int
	failWith *faults.Record
	calls    int
}

func (s *scriptedService) attempt() error {
	s.calls++
	if s.calls <= s.failures {
		return s.failWith
	}
	return nil
}

func (s *scriptedService) GenerateKeyPair(ctx context.Context, securityLevel string) (*KeyPair, error) {
	if err := s.attempt(); err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: "pub", PrivateKey: "priv", AlgorithmTag: "ML-KEM-768"}, nil
}

func (s *scriptedService) Encrypt(ctx context.Context, plaintext []byte, publicKey, algorithmTag string) ([]byte, error) {
	if err := s.attempt(); err != nil {
		return nil, err
	}
	return append([]byte("ct:"), plaintext...), nil
}

func (s *scriptedService) Decrypt(ctx context.Context, ciphertext []byte, privateKey string) ([]byte, error) {
	if err := s.attempt(); err != nil {
		return nil, err
	}
	return ciphertext[3:], nil
}

func (s *scriptedService) Status(ctx context.Context) (*StatusInfo, error) {
	if err := s.attempt(); err != nil {
		return nil, err
	}
	return &StatusInfo{Healthy: true}, nil
}

// sleepRecorder captures the delay schedule instead of sleeping.
type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(d time.Duration) { r.delays = append(r.delays, d) }

func newScriptedExecutor(service Service, recorder *sleepRecorder, opts ...ExecutorOption) *Executor {
	opts = append(opts, withSleep(recorder.sleep))
	return NewExecutor(service, opts...)
}

func TestExecutorRetryBound(t *testing.T) {
	// An always-failing retryable error gets exactly 3 attempts with delays
	// of 1, 2, 4 base units.
	service := &scriptedService{
		failures: 100,
		failWith: faults.New(faults.ServiceUnavailable, "down"),
	}
	recorder := &sleepRecorder{}
	executor := newScriptedExecutor(service, recorder,
		WithRetryPolicy(RetryPolicy{BaseDelay: time.Millisecond}))

	_, err := executor.Encrypt(context.Background(), []byte("x"), "pub", "ML-KEM-768")
	if faults.CodeOf(err) != faults.ServiceUnavailable {
		t.Fatalf("want service_unavailable, got %v", err)
	}
	if service.calls != 3 {
		t.Errorf("want exactly 3 attempts, got %d", service.calls)
	}

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(recorder.delays) != len(want) {
		t.Fatalf("want %d delays, got %v", len(want), recorder.delays)
	}
	for i, d := range want {
		if recorder.delays[i] != d {
			t.Errorf("delay %d: want %v, got %v", i, d, recorder.delays[i])
		}
	}
}

func TestExecutorNonRetryableShortCircuit(t *testing.T) {
	service := &scriptedService{
		failures: 100,
		failWith: faults.New(faults.InvalidKey, "wrong key"),
	}
	recorder := &sleepRecorder{}
	executor := newScriptedExecutor(service, recorder)

	_, err := executor.Decrypt(context.Background(), []byte("ct:x"), "priv")
	if faults.CodeOf(err) != faults.InvalidKey {
		t.Fatalf("want invalid_key, got %v", err)
	}
	if service.calls != 1 {
		t.Errorf("non-retryable error must cause exactly 1 attempt, got %d", service.calls)
	}
	if len(recorder.delays) != 0 {
		t.Errorf("no delays expected, got %v", recorder.delays)
	}
}

func TestExecutorSucceedsAfterRetry(t *testing.T) {
	service := &scriptedService{
		failures: 2,
		failWith: faults.New(faults.Timeout, "slow"),
	}
	recorder := &sleepRecorder{}
	executor := newScriptedExecutor(service, recorder,
		WithRetryPolicy(RetryPolicy{BaseDelay: time.Millisecond}))

	pair, err := executor.GenerateKeyPair(context.Background(), SecurityStandard)
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if pair.AlgorithmTag != "ML-KEM-768" {
		t.Errorf("unexpected keypair: %+v", pair)
	}
	if service.calls != 3 {
		t.Errorf("want 3 attempts, got %d", service.calls)
	}
	if len(recorder.delays) != 2 {
		t.Errorf("want 2 delays before success, got %v", recorder.delays)
	}
}

// captureLogger records audit calls for assertion.
type captureLogger struct {
	audit.NoOpLogger
	actions   []string
	successes []bool
	metadata  []map[string]interface{}
}

func (c *captureLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	c.actions = append(c.actions, action)
	c.successes = append(c.successes, success)
	c.metadata = append(c.metadata, metadata)
	return nil
}

func TestExecutorAuditsTerminalOutcomes(t *testing.T) {
	logger := &captureLogger{}
	service := &scriptedService{failures: 1, failWith: faults.New(faults.ConnectionFailed, "blip")}
	executor := newScriptedExecutor(service, &sleepRecorder{},
		WithAuditor(logger), WithRetryPolicy(RetryPolicy{BaseDelay: time.Millisecond}))

	// Success after a retry is audited with the attempt count.
	if _, err := executor.Status(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(logger.actions) != 1 || logger.actions[0] != "remote_status" || !logger.successes[0] {
		t.Fatalf("success-after-retry not audited: %v", logger.actions)
	}
	if attempts, ok := logger.metadata[0]["attempts"].(int); !ok || attempts != 2 {
		t.Errorf("attempt count missing from audit metadata: %v", logger.metadata[0])
	}

	// A first-attempt success is not audited.
	if _, err := executor.Status(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(logger.actions) != 1 {
		t.Errorf("clean success should not be audited, got %v", logger.actions)
	}

	// A terminal failure is audited with the code.
	failing := &scriptedService{failures: 100, failWith: faults.New(faults.InvalidData, "junk")}
	executor = newScriptedExecutor(failing, &sleepRecorder{}, WithAuditor(logger))
	if _, err := executor.Encrypt(context.Background(), []byte("x"), "pub", "tag"); err == nil {
		t.Fatal("expected failure")
	}
	last := len(logger.actions) - 1
	if logger.actions[last] != "remote_encrypt" || logger.successes[last] {
		t.Errorf("terminal failure not audited: %v %v", logger.actions, logger.successes)
	}
	if code, _ := logger.metadata[last]["code"].(string); code != "invalid_data" {
		t.Errorf("failure code missing from audit metadata: %v", logger.metadata[last])
	}
}

func TestExecutorClassifiesPlainErrors(t *testing.T) {
	service := &scriptedService{failures: 100, failWith: faults.New(faults.RateLimitExceeded, "429")}
	executor := newScriptedExecutor(service, &sleepRecorder{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}))

	_, err := executor.Encrypt(context.Background(), []byte("x"), "pub", "tag")
	var rec *faults.Record
	if rec = faults.Classify(err); rec.Code != faults.RateLimitExceeded {
		t.Fatalf("want rate_limit_exceeded, got %v", err)
	}
	if service.calls != 2 {
		t.Errorf("custom policy cap not honored, got %d attempts", service.calls)
	}
}
