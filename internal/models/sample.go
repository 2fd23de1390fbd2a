package models

import "time"

// MetricSample is one collected row of numeric features for a source.
// Samples are immutable once written; they are keyed by (source, timestamp).
type MetricSample struct {
	ID        int64
	Timestamp time.Time
	Source    string
	Features  map[string]float64
}

// LogRecord is one parsed log line handed over by the log collaborator.
type LogRecord struct {
	ID        int64
	Timestamp time.Time
	Source    string
	Severity  string
	Message   string
	Keywords  []string
}
