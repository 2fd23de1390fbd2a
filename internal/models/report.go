package models

// PatternFailure records one pattern whose scanner could not be generated.
type PatternFailure struct {
	PatternID string
	Reason    string
}

// RunReport carries per-item diagnostics for one stage invocation. Stages
// never succeed silently: recovered skips and drops are always surfaced here
// alongside the produced entities.
type RunReport struct {
	Stage           string
	Produced        int
	SkippedRecords  int
	DroppedScorers  []string
	DroppedClusters int
	FailedPatterns  []PatternFailure
	Warnings        []string
}

// Warn appends a warning message to the report.
func (r *RunReport) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Merge folds another report's counters into this one.
func (r *RunReport) Merge(other RunReport) {
	r.Produced += other.Produced
	r.SkippedRecords += other.SkippedRecords
	r.DroppedScorers = append(r.DroppedScorers, other.DroppedScorers...)
	r.DroppedClusters += other.DroppedClusters
	r.FailedPatterns = append(r.FailedPatterns, other.FailedPatterns...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}
