package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open creates (if needed) and opens the engine's SQLite artifact store.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Input tables (metric_samples, log_records) are
// written by collaborators; the remaining tables are each owned by exactly
// one stage of the engine.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metric_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			source TEXT NOT NULL,
			features_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metric_samples_ts ON metric_samples(ts);`,
		`CREATE TABLE IF NOT EXISTS log_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			source TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			keywords_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_ts ON log_records(ts);`,
		`CREATE TABLE IF NOT EXISTS anomaly_events (
			id TEXT PRIMARY KEY,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			source TEXT NOT NULL,
			sample_ids_json TEXT NOT NULL,
			log_record_ids_json TEXT NOT NULL,
			detector_scores_json TEXT NOT NULL,
			severity REAL NOT NULL,
			is_anomaly INTEGER NOT NULL,
			features_json TEXT NOT NULL,
			log_excerpt TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS anomaly_patterns (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			envelope_json TEXT NOT NULL,
			keywords_json TEXT NOT NULL,
			event_ids_json TEXT NOT NULL,
			sample_count INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS generated_scanners (
			pattern_id TEXT PRIMARY KEY,
			scanner_id TEXT NOT NULL,
			source TEXT NOT NULL,
			path TEXT NOT NULL,
			rule_summary TEXT NOT NULL,
			generated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_detection DATETIME,
			last_extraction DATETIME,
			last_generation DATETIME,
			total_events INTEGER NOT NULL DEFAULT 0,
			total_patterns INTEGER NOT NULL DEFAULT 0,
			total_scanners INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
