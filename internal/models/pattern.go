package models

import (
	"errors"
	"time"
)

// PatternKind classifies which signals back a pattern.
type PatternKind string

const (
	PatternKindMetric    PatternKind = "metric"
	PatternKindLog       PatternKind = "log"
	PatternKindComposite PatternKind = "composite"
)

// FeatureEnvelope is the statistical summary of one feature across a cluster.
type FeatureEnvelope struct {
	Mean     float64
	StdDev   float64
	High     float64
	Critical float64
}

// KeywordStat is a mined error token with its support count in the cluster.
type KeywordStat struct {
	Token   string
	Support int
}

// AnomalyPattern is a durable, reusable description of a recurring anomaly
// shape for one source. Patterns are append-only: re-extraction emits new
// pattern ids instead of rewriting old ones.
type AnomalyPattern struct {
	ID          string
	Kind        PatternKind
	Source      string
	Envelope    map[string]FeatureEnvelope
	Keywords    []KeywordStat
	EventIDs    []string
	SampleCount int
	CreatedAt   time.Time
}

// ErrPatternInvariant reports a pattern whose signals do not match its kind.
var ErrPatternInvariant = errors.New("pattern signals do not satisfy kind invariant")

// Validate enforces the kind invariants: metric patterns need an envelope,
// log patterns need a keyword signature, composite patterns need both.
func (p AnomalyPattern) Validate() error {
	hasEnvelope := len(p.Envelope) > 0
	hasKeywords := len(p.Keywords) > 0
	switch p.Kind {
	case PatternKindMetric:
		if !hasEnvelope {
			return ErrPatternInvariant
		}
	case PatternKindLog:
		if !hasKeywords {
			return ErrPatternInvariant
		}
	case PatternKindComposite:
		if !hasEnvelope || !hasKeywords {
			return ErrPatternInvariant
		}
	default:
		return ErrPatternInvariant
	}
	return nil
}
