package audit

// NoOpLogger discards everything. Used when auditing is disabled.
type NoOpLogger struct{}

func (n *NoOpLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) Activity(level Level, message string, context map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, nil
}

func (n *NoOpLogger) Close() error { return nil }
