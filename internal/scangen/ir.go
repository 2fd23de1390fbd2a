package scangen

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// ErrEmptyRule reports a pattern that yields no checkable conditions.
var ErrEmptyRule = errors.New("pattern yields no checkable conditions")

// Verdict is a scanner's outcome for one probe pass.
type Verdict string

const (
	VerdictNormal   Verdict = "normal"
	VerdictHigh     Verdict = "high"
	VerdictCritical Verdict = "critical"
)

// MetricCondition compares one live feature reading against a threshold.
type MetricCondition struct {
	Feature   string
	Threshold float64
	Verdict   Verdict
}

// KeywordCondition checks recent log text for a mined token.
type KeywordCondition struct {
	Token    string
	MinCount int
}

// Rule is the target-independent intermediate form of a scanner: what to
// probe and what thresholds to compare against. Emitters render it into
// concrete scanner source.
type Rule struct {
	PatternID string
	Source    string
	Kind      models.PatternKind
	Metrics   []MetricCondition
	Keywords  []KeywordCondition
	// RequireBoth holds for composite patterns: a non-normal verdict needs
	// both a metric breach and a keyword hit.
	RequireBoth bool
}

// RuleFromPattern lowers a pattern into rule form. Condition order is fixed
// by feature name so regeneration is reproducible.
func RuleFromPattern(p models.AnomalyPattern) (Rule, error) {
	rule := Rule{
		PatternID:   p.ID,
		Source:      p.Source,
		Kind:        p.Kind,
		RequireBoth: p.Kind == models.PatternKindComposite,
	}

	names := make([]string, 0, len(p.Envelope))
	for name := range p.Envelope {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env := p.Envelope[name]
		rule.Metrics = append(rule.Metrics,
			MetricCondition{Feature: name, Threshold: env.High, Verdict: VerdictHigh},
			MetricCondition{Feature: name, Threshold: env.Critical, Verdict: VerdictCritical},
		)
	}

	for _, kw := range p.Keywords {
		rule.Keywords = append(rule.Keywords, KeywordCondition{Token: kw.Token, MinCount: 1})
	}

	if len(rule.Metrics) == 0 && len(rule.Keywords) == 0 {
		return Rule{}, ErrEmptyRule
	}
	return rule, nil
}

// Evaluate applies the rule to live readings. features maps feature name to
// its current value; keywordCounts maps token to its occurrence count in the
// inspected log tail. The strongest satisfied verdict wins.
func (r Rule) Evaluate(features map[string]float64, keywordCounts map[string]int) Verdict {
	metricVerdict := VerdictNormal
	for _, cond := range r.Metrics {
		v, ok := features[cond.Feature]
		if !ok || v < cond.Threshold {
			continue
		}
		if cond.Verdict == VerdictCritical {
			metricVerdict = VerdictCritical
		} else if metricVerdict == VerdictNormal {
			metricVerdict = VerdictHigh
		}
	}

	keywordHit := false
	for _, cond := range r.Keywords {
		if keywordCounts[cond.Token] >= cond.MinCount {
			keywordHit = true
			break
		}
	}

	switch {
	case r.RequireBoth:
		if metricVerdict != VerdictNormal && keywordHit {
			return metricVerdict
		}
		return VerdictNormal
	case len(r.Metrics) == 0:
		if keywordHit {
			return VerdictHigh
		}
		return VerdictNormal
	default:
		if metricVerdict != VerdictNormal {
			return metricVerdict
		}
		if keywordHit && len(r.Keywords) > 0 && r.Kind == models.PatternKindComposite {
			return VerdictHigh
		}
		return VerdictNormal
	}
}

// Summary renders a short human-readable description of the rule for the
// registry listing.
func (r Rule) Summary() string {
	var parts []string
	seen := make(map[string]struct{})
	for _, cond := range r.Metrics {
		if cond.Verdict != VerdictCritical {
			continue
		}
		if _, dup := seen[cond.Feature]; dup {
			continue
		}
		seen[cond.Feature] = struct{}{}
		parts = append(parts, fmt.Sprintf("%s>=%.2f", cond.Feature, cond.Threshold))
	}
	if len(r.Keywords) > 0 {
		tokens := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			tokens = append(tokens, kw.Token)
		}
		parts = append(parts, "logs:"+strings.Join(tokens, ","))
	}
	return strings.Join(parts, " ")
}
