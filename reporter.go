package pqls

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/genexlance/postquantumlattice-sub000/audit"
	"github.com/genexlance/postquantumlattice-sub000/faults"
	"github.com/genexlance/postquantumlattice-sub000/persist"
)

// Notice is a standing admin-facing alert raised by a critical failure. At
// most one notice is active; it persists until explicitly dismissed.
type Notice struct {
	Code      faults.Code            `json:"code"`
	Message   string                 `json:"message"`
	Operation string                 `json:"operation"`
	CreatedAt time.Time              `json:"created_at"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Outcome is the structured result the reporter produces for every failure.
// It is always a value, never a raised error.
type Outcome struct {
	Code          faults.Code `json:"code"`
	Message       string      `json:"message"`
	CanRetry      bool        `json:"can_retry"`
	RequiresAdmin bool        `json:"requires_admin"`
}

// Reporter turns failures into audit entries, operational log lines, user
// messages and standing notices. None of its methods propagate their own
// failures upward; a broken audit path must not break the operation being
// reported.
type Reporter struct {
	store   persist.Store
	auditor audit.Logger
	log     *logrus.Logger
}

// NewReporter wires the reporter to its store, audit trail and log.
func NewReporter(store persist.Store, auditor audit.Logger, log *logrus.Logger) *Reporter {
	return &Reporter{store: store, auditor: auditor, log: log}
}

// Report classifies err, records it, and returns the user-facing outcome.
// Critical codes additionally raise a standing notice.
func (r *Reporter) Report(operation string, err error) Outcome {
	record := faults.Classify(err)

	r.log.WithFields(logrus.Fields{
		"operation": operation,
		"code":      string(record.Code),
		"retryable": record.Retryable,
	}).Warn(record.Message)

	metadata := map[string]interface{}{
		"code":      string(record.Code),
		"error":     record.Message,
		"retryable": record.Retryable,
	}
	for k, v := range record.Context {
		metadata[k] = v
	}
	if auditErr := r.auditor.Log(operation, false, metadata); auditErr != nil {
		r.log.WithError(auditErr).Warn("audit write failed")
	}

	if record.Code.Critical() {
		r.raiseNotice(operation, record)
	}

	return Outcome{
		Code:          record.Code,
		Message:       record.Code.UserMessage(),
		CanRetry:      record.Retryable,
		RequiresAdmin: record.Code.RequiresAdmin(),
	}
}

// ReportSuccess records a successful operation on the audit trail.
func (r *Reporter) ReportSuccess(operation string, metadata map[string]interface{}) {
	if err := r.auditor.Log(operation, true, metadata); err != nil {
		r.log.WithError(err).Warn("audit write failed")
	}
}

// LogActivity appends to the informational activity trail.
func (r *Reporter) LogActivity(level audit.Level, message string, context map[string]interface{}) {
	if err := r.auditor.Activity(level, message, context); err != nil {
		r.log.WithError(err).Warn("activity write failed")
	}
}

// raiseNotice persists the standing notice, replacing any existing one.
func (r *Reporter) raiseNotice(operation string, record *faults.Record) {
	notice := Notice{
		Code:      record.Code,
		Message:   record.Code.UserMessage(),
		Operation: operation,
		CreatedAt: time.Now().UTC(),
		Context:   record.Context,
	}
	data, err := json.Marshal(notice)
	if err != nil {
		r.log.WithError(err).Warn("failed to marshal notice")
		return
	}
	if err := r.store.SaveNotice(data); err != nil {
		r.log.WithError(err).Warn("failed to persist notice")
	}
}

// ActiveNotice returns the standing notice, or nil when none is active.
func (r *Reporter) ActiveNotice() (*Notice, error) {
	vd, err := r.store.LoadNotice()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load notice: %w", err)
	}
	var notice Notice
	if err := json.Unmarshal(vd.Data, &notice); err != nil {
		return nil, fmt.Errorf("failed to parse notice: %w", err)
	}
	return &notice, nil
}

// DismissNotice clears the standing notice. Dismissing when none is active
// is not an error.
func (r *Reporter) DismissNotice() error {
	return r.store.DeleteNotice()
}
