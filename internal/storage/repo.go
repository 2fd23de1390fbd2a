package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// Repository mediates all reads and writes against the artifact store.
// Event and pattern tables are append-only; the scanner registry is upserted
// per pattern id so regeneration replaces exactly one row.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an open database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for callers that manage lifecycle.
func (r *Repository) DB() *sql.DB { return r.db }

// InsertMetricSamples stores collector-produced rows. Used by collaborators
// and test fixtures; the engine itself only reads this table.
func (r *Repository) InsertMetricSamples(ctx context.Context, samples []models.MetricSample) error {
	for _, s := range samples {
		features, err := json.Marshal(s.Features)
		if err != nil {
			return fmt.Errorf("marshal features: %w", err)
		}
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO metric_samples (ts, source, features_json) VALUES (?,?,?)`,
			s.Timestamp.UTC(), s.Source, string(features)); err != nil {
			return err
		}
	}
	return nil
}

// InsertLogRecords stores parsed log lines from the log collaborator.
func (r *Repository) InsertLogRecords(ctx context.Context, records []models.LogRecord) error {
	for _, rec := range records {
		keywords, err := json.Marshal(rec.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO log_records (ts, source, severity, message, keywords_json) VALUES (?,?,?,?,?)`,
			rec.Timestamp.UTC(), rec.Source, rec.Severity, rec.Message, string(keywords)); err != nil {
			return err
		}
	}
	return nil
}

// MetricSamplesSince returns samples with ts > since, oldest first.
func (r *Repository) MetricSamplesSince(ctx context.Context, since time.Time) ([]models.MetricSample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ts, source, features_json FROM metric_samples WHERE ts > ? ORDER BY ts, id`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.MetricSample
	for rows.Next() {
		var s models.MetricSample
		var features string
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.Source, &features); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &s.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features for sample %d: %w", s.ID, err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// LogRecordsSince returns log records with ts > since, oldest first.
func (r *Repository) LogRecordsSince(ctx context.Context, since time.Time) ([]models.LogRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ts, source, severity, message, keywords_json FROM log_records WHERE ts > ? ORDER BY ts, id`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.LogRecord
	for rows.Next() {
		var rec models.LogRecord
		var keywords string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Source, &rec.Severity, &rec.Message, &keywords); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keywords), &rec.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords for record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendAnomalyEvents persists a detection run's events.
func (r *Repository) AppendAnomalyEvents(ctx context.Context, events []models.AnomalyEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ev := range events {
		sampleIDs, _ := json.Marshal(ev.SampleIDs)
		logIDs, _ := json.Marshal(ev.LogRecordIDs)
		scores, _ := json.Marshal(ev.DetectorScores)
		features, _ := json.Marshal(ev.Features)
		isAnomaly := 0
		if ev.IsAnomaly {
			isAnomaly = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO anomaly_events
			 (id, window_start, window_end, source, sample_ids_json, log_record_ids_json,
			  detector_scores_json, severity, is_anomaly, features_json, log_excerpt, created_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			ev.ID, ev.WindowStart.UTC(), ev.WindowEnd.UTC(), ev.Source,
			string(sampleIDs), string(logIDs), string(scores),
			ev.Severity, isAnomaly, string(features), ev.LogExcerpt, ev.CreatedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentAnomalyEvents returns up to limit anomalous events, newest first.
// A limit of zero or less returns the full history.
func (r *Repository) RecentAnomalyEvents(ctx context.Context, limit int) ([]models.AnomalyEvent, error) {
	query := `SELECT id, window_start, window_end, source, sample_ids_json, log_record_ids_json,
		detector_scores_json, severity, is_anomaly, features_json, log_excerpt, created_at
		FROM anomaly_events WHERE is_anomaly = 1 ORDER BY created_at DESC, id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.AnomalyEvent
	for rows.Next() {
		var ev models.AnomalyEvent
		var sampleIDs, logIDs, scores, features string
		var isAnomaly int
		if err := rows.Scan(&ev.ID, &ev.WindowStart, &ev.WindowEnd, &ev.Source,
			&sampleIDs, &logIDs, &scores, &ev.Severity, &isAnomaly, &features,
			&ev.LogExcerpt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.IsAnomaly = isAnomaly == 1
		if err := json.Unmarshal([]byte(sampleIDs), &ev.SampleIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(logIDs), &ev.LogRecordIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scores), &ev.DetectorScores); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &ev.Features); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AppendPatterns persists newly extracted patterns. Existing pattern rows are
// never updated; a conflicting id is an error, not a merge.
func (r *Repository) AppendPatterns(ctx context.Context, patterns []models.AnomalyPattern) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range patterns {
		envelope, _ := json.Marshal(p.Envelope)
		keywords, _ := json.Marshal(p.Keywords)
		eventIDs, _ := json.Marshal(p.EventIDs)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO anomaly_patterns
			 (id, kind, source, envelope_json, keywords_json, event_ids_json, sample_count, created_at)
			 VALUES (?,?,?,?,?,?,?,?)`,
			p.ID, string(p.Kind), p.Source, string(envelope), string(keywords),
			string(eventIDs), p.SampleCount, p.CreatedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListPatterns returns all stored patterns, oldest first.
func (r *Repository) ListPatterns(ctx context.Context) ([]models.AnomalyPattern, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, source, envelope_json, keywords_json, event_ids_json, sample_count, created_at
		 FROM anomaly_patterns ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []models.AnomalyPattern
	for rows.Next() {
		var p models.AnomalyPattern
		var kind, envelope, keywords, eventIDs string
		if err := rows.Scan(&p.ID, &kind, &p.Source, &envelope, &keywords, &eventIDs, &p.SampleCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Kind = models.PatternKind(kind)
		if err := json.Unmarshal([]byte(envelope), &p.Envelope); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(eventIDs), &p.EventIDs); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// PatternEventIDs returns the set of event ids already bound to a pattern.
// Incremental extraction uses this to avoid re-promoting consumed events.
func (r *Repository) PatternEventIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT event_ids_json FROM anomaly_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	consumed := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, err
		}
		for _, id := range ids {
			consumed[id] = struct{}{}
		}
	}
	return consumed, rows.Err()
}

// UpsertScannerRegistration records a generated scanner, replacing any prior
// registration for the same pattern.
func (r *Repository) UpsertScannerRegistration(ctx context.Context, s models.GeneratedScanner) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO generated_scanners (pattern_id, scanner_id, source, path, rule_summary, generated_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(pattern_id) DO UPDATE SET
		   scanner_id=excluded.scanner_id, source=excluded.source, path=excluded.path,
		   rule_summary=excluded.rule_summary, generated_at=excluded.generated_at`,
		s.PatternID, s.ID, s.Source, s.Path, s.RuleSummary, s.GeneratedAt.UTC())
	return err
}

// ListScannerRegistrations enumerates registrations for the external runner.
func (r *Repository) ListScannerRegistrations(ctx context.Context) ([]models.ScannerRegistration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT scanner_id, pattern_id, path, generated_at FROM generated_scanners ORDER BY generated_at, scanner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []models.ScannerRegistration
	for rows.Next() {
		var reg models.ScannerRegistration
		if err := rows.Scan(&reg.ScannerID, &reg.PatternID, &reg.Path, &reg.GeneratedAt); err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// RunState summarises the engine's last completed stages.
type RunState struct {
	LastDetection  sql.NullTime
	LastExtraction sql.NullTime
	LastGeneration sql.NullTime
	TotalEvents    int
	TotalPatterns  int
	TotalScanners  int
}

// LoadRunState reads the singleton state row, returning zero state when the
// engine has never run.
func (r *Repository) LoadRunState(ctx context.Context) (RunState, error) {
	var st RunState
	err := r.db.QueryRowContext(ctx,
		`SELECT last_detection, last_extraction, last_generation, total_events, total_patterns, total_scanners
		 FROM run_state WHERE id = 1`).
		Scan(&st.LastDetection, &st.LastExtraction, &st.LastGeneration,
			&st.TotalEvents, &st.TotalPatterns, &st.TotalScanners)
	if err == sql.ErrNoRows {
		return RunState{}, nil
	}
	return st, err
}

// SaveRunState writes the singleton state row.
func (r *Repository) SaveRunState(ctx context.Context, st RunState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO run_state (id, last_detection, last_extraction, last_generation, total_events, total_patterns, total_scanners)
		 VALUES (1,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_detection=excluded.last_detection, last_extraction=excluded.last_extraction,
		   last_generation=excluded.last_generation, total_events=excluded.total_events,
		   total_patterns=excluded.total_patterns, total_scanners=excluded.total_scanners`,
		st.LastDetection, st.LastExtraction, st.LastGeneration,
		st.TotalEvents, st.TotalPatterns, st.TotalScanners)
	return err
}
