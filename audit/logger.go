// Package audit provides the pluggable audit trail for shield operations.
// Events are persisted through the installation's store and capped, so the
// trail never grows without bound inside a constrained host.
package audit

import (
	"fmt"
	"time"
)

// Level classifies activity entries.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Config defines audit logging configuration.
type Config struct {
	Enabled bool       `json:"enabled"`
	Type    ConfigType `json:"type"`
	// AuditCap and ActivityCap bound the persisted trails; zero means the
	// package defaults (200 audit events, 500 activity entries).
	AuditCap    int `json:"audit_cap,omitempty"`
	ActivityCap int `json:"activity_cap,omitempty"`
}

type ConfigType string

const (
	StoreAuditType ConfigType = "store"
	NoOp           ConfigType = ""
)

// Logger is the pluggable audit contract.
type Logger interface {
	// Log appends an audit event for a shield operation.
	Log(action string, success bool, metadata map[string]interface{}) error

	// Activity appends to the informational activity trail.
	Activity(level Level, message string, context map[string]interface{}) error

	// Query filters persisted audit events.
	Query(options QueryOptions) (QueryResult, error)

	Close() error
}

// Event is one audit log record.
type Event struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ActivityEntry is one line of the append-only activity trail.
type ActivityEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// QueryOptions filters audit events.
type QueryOptions struct {
	Since   *time.Time
	Until   *time.Time
	Action  string
	Success *bool // nil = all, true = only success, false = only failures
	Limit   int
}

// QueryResult contains matched audit events.
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	HasMore    bool    `json:"has_more"`
}

// Sink is the slice of the persistence layer the store-backed logger needs.
// persist.Store satisfies it.
type Sink interface {
	SaveAuditLog(data []byte) error
	LoadAuditLog() ([]byte, error)
	SaveActivityLog(data []byte) error
	LoadActivityLog() ([]byte, error)
}

// NewLogger creates an appropriate logger based on configuration.
func NewLogger(config *Config, sink Sink) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}
	switch config.Type {
	case StoreAuditType:
		return NewStoreLogger(config, sink)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}
