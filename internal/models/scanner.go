package models

import "time"

// GeneratedScanner is a standalone diagnostic program compiled from one
// pattern. The relation to AnomalyPattern is 1:1; regenerating replaces the
// artifact for that pattern without touching the pattern itself.
type GeneratedScanner struct {
	ID          string
	PatternID   string
	Source      string
	SourceText  string
	RuleSummary string
	Path        string
	GeneratedAt time.Time
}

// ScannerRegistration is the small record an external index/runner consumes
// to enumerate and execute generated scanners.
type ScannerRegistration struct {
	ScannerID   string
	PatternID   string
	Path        string
	GeneratedAt time.Time
}
