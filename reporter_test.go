package pqls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/faults"
	"github.com/genexlance/postquantumlattice-sub000/persist"
)

func newTestReporter(t *testing.T) (*Reporter, audit.Logger, persist.Store) {
	t.Helper()
	store := persist.NewMemoryStore()
	auditor, err := audit.NewLogger(&audit.Config{Enabled: true, Type: audit.StoreAuditType}, store)
	require.NoError(t, err)
	return NewReporter(store, auditor, quietLogger()), auditor, store
}

func TestReportProducesOutcome(t *testing.T) {
	reporter, _, _ := newTestReporter(t)

	outcome := reporter.Report("encrypt_field", faults.New(faults.Timeout, "slow upstream"))
	assert.Equal(t, faults.Timeout, outcome.Code)
	assert.True(t, outcome.CanRetry)
	assert.False(t, outcome.RequiresAdmin)
	assert.Equal(t, faults.Timeout.UserMessage(), outcome.Message)

	outcome = reporter.Report("decrypt_field", faults.New(faults.PermissionDenied, "foreign site"))
	assert.False(t, outcome.CanRetry)
	assert.True(t, outcome.RequiresAdmin)
}

func TestReportNeverPanicsOnArbitraryErrors(t *testing.T) {
	reporter, _, _ := newTestReporter(t)

	outcome := reporter.Report("op", errors.New("something odd"))
	assert.NotEmpty(t, outcome.Code)
	assert.NotEmpty(t, outcome.Message)
}

func TestReportWritesAuditTrail(t *testing.T) {
	reporter, auditor, _ := newTestReporter(t)

	reporter.Report("encrypt_field", faults.New(faults.EncryptionFailed, "boom"))
	reporter.ReportSuccess("backup_create", nil)

	result, err := auditor.Query(audit.QueryOptions{Action: "encrypt_field"})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
	assert.False(t, result.Events[0].Success)
	assert.Equal(t, "encryption_failed", result.Events[0].Metadata["code"])

	result, err = auditor.Query(audit.QueryOptions{Action: "backup_create"})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
	assert.True(t, result.Events[0].Success)
}

func TestCriticalFailureRaisesStandingNotice(t *testing.T) {
	reporter, _, _ := newTestReporter(t)

	// Non-critical codes raise no notice.
	reporter.Report("encrypt_field", faults.New(faults.Timeout, "slow"))
	notice, err := reporter.ActiveNotice()
	require.NoError(t, err)
	assert.Nil(t, notice)

	reporter.Report("decrypt_field", faults.New(faults.InvalidKey, "corrupt key"))
	notice, err = reporter.ActiveNotice()
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.Equal(t, faults.InvalidKey, notice.Code)
	assert.Equal(t, "decrypt_field", notice.Operation)
	assert.False(t, notice.CreatedAt.IsZero())

	// The notice stands until dismissed.
	reporter.Report("encrypt_field", faults.New(faults.Timeout, "slow"))
	notice, err = reporter.ActiveNotice()
	require.NoError(t, err)
	require.NotNil(t, notice)

	require.NoError(t, reporter.DismissNotice())
	notice, err = reporter.ActiveNotice()
	require.NoError(t, err)
	assert.Nil(t, notice)

	// Dismissing twice is fine.
	require.NoError(t, reporter.DismissNotice())
}

func TestLogActivity(t *testing.T) {
	reporter, _, store := newTestReporter(t)

	reporter.LogActivity(audit.LevelInfo, "key material generated", nil)

	data, err := store.LoadActivityLog()
	require.NoError(t, err)
	assert.Contains(t, string(data), "key material generated")
}
