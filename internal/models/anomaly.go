package models

import "time"

// AnomalyEvent is the detector's verdict for one sample inside an evaluated
// window. Events are append-only; a re-run derives a fresh set rather than
// mutating prior events.
type AnomalyEvent struct {
	ID             string
	WindowStart    time.Time
	WindowEnd      time.Time
	Source         string
	SampleIDs      []int64
	LogRecordIDs   []int64
	DetectorScores map[string]float64
	Severity       float64
	IsAnomaly      bool
	Features       map[string]float64
	LogExcerpt     string
	CreatedAt      time.Time
}

// SeverityLabel buckets a combined severity score for human-facing output.
type SeverityLabel string

const (
	SeverityLow      SeverityLabel = "low"
	SeverityMedium   SeverityLabel = "medium"
	SeverityHigh     SeverityLabel = "high"
	SeverityCritical SeverityLabel = "critical"
)

// LabelForSeverity maps a combined score in [0,1] to a severity label.
func LabelForSeverity(score float64) SeverityLabel {
	switch {
	case score >= 0.85:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
