package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAuditCap    = 200
	defaultActivityCap = 500
)

// StoreLogger persists audit events and activity entries through a Sink,
// evicting the oldest records past the configured caps. Both trails are
// loaded lazily on first use so a fresh installation pays nothing.
type StoreLogger struct {
	sink        Sink
	auditCap    int
	activityCap int

	mu       sync.Mutex
	events   []Event
	activity []ActivityEntry
	loaded   bool
}

// NewStoreLogger creates a store-backed logger.
func NewStoreLogger(config *Config, sink Sink) (*StoreLogger, error) {
	if sink == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	auditCap := config.AuditCap
	if auditCap <= 0 {
		auditCap = defaultAuditCap
	}
	activityCap := config.ActivityCap
	if activityCap <= 0 {
		activityCap = defaultActivityCap
	}
	return &StoreLogger{sink: sink, auditCap: auditCap, activityCap: activityCap}, nil
}

// ensureLoaded reads both trails from the sink once. Missing or corrupt
// trails start empty rather than failing: the audit path must never block
// the operation it reports on.
func (l *StoreLogger) ensureLoaded() {
	if l.loaded {
		return
	}
	l.loaded = true

	if data, err := l.sink.LoadAuditLog(); err == nil {
		var events []Event
		if json.Unmarshal(data, &events) == nil {
			l.events = events
		}
	}
	if data, err := l.sink.LoadActivityLog(); err == nil {
		var entries []ActivityEntry
		if json.Unmarshal(data, &entries) == nil {
			l.activity = entries
		}
	}
}

// Log appends an audit event and persists the capped trail.
func (l *StoreLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoaded()

	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	if metadata != nil {
		if reqID, ok := metadata["request_id"].(string); ok {
			event.RequestID = reqID
		}
		if errText, ok := metadata["error"].(string); ok {
			event.Error = errText
		}
	}

	l.events = append(l.events, event)
	if over := len(l.events) - l.auditCap; over > 0 {
		l.events = append([]Event(nil), l.events[over:]...)
	}

	data, err := json.Marshal(l.events)
	if err != nil {
		return fmt.Errorf("failed to marshal audit log: %w", err)
	}
	return l.sink.SaveAuditLog(data)
}

// Activity appends to the activity trail and persists it.
func (l *StoreLogger) Activity(level Level, message string, context map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoaded()

	l.activity = append(l.activity, ActivityEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   context,
	})
	if over := len(l.activity) - l.activityCap; over > 0 {
		l.activity = append([]ActivityEntry(nil), l.activity[over:]...)
	}

	data, err := json.Marshal(l.activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity log: %w", err)
	}
	return l.sink.SaveActivityLog(data)
}

// Query filters the persisted audit events, newest last.
func (l *StoreLogger) Query(options QueryOptions) (QueryResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoaded()

	matched := make([]Event, 0)
	for _, event := range l.events {
		if options.Action != "" && event.Action != options.Action {
			continue
		}
		if options.Success != nil && event.Success != *options.Success {
			continue
		}
		if options.Since != nil && event.Timestamp.Before(*options.Since) {
			continue
		}
		if options.Until != nil && event.Timestamp.After(*options.Until) {
			continue
		}
		matched = append(matched, event)
	}

	total := len(matched)
	hasMore := false
	if options.Limit > 0 && len(matched) > options.Limit {
		matched = matched[len(matched)-options.Limit:]
		hasMore = true
	}

	return QueryResult{Events: matched, TotalCount: total, HasMore: hasMore}, nil
}

func (l *StoreLogger) Close() error { return nil }
