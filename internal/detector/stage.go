package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/featurestore"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// ErrAllScorersFailed reports a run in which no scorer could fit any group.
var ErrAllScorersFailed = errors.New("all scorers failed to fit")

// WarnInsufficientData is surfaced when a window has too few samples to
// score meaningfully. It is a diagnostic, not an error.
const WarnInsufficientData = "insufficient data"

// Detector runs the ensemble scoring stage over one lookback window.
type Detector struct {
	store  *featurestore.Store
	logger *slog.Logger
}

// NewDetector constructs the detection stage.
func NewDetector(store *featurestore.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, logger: logger}
}

// Run loads the window ending at now and produces one AnomalyEvent per
// flagged sample. Events are deterministic for a fixed seed, input, and now.
func (d *Detector) Run(ctx context.Context, cfg config.DetectionConfig, now time.Time) ([]models.AnomalyEvent, models.RunReport, error) {
	report := models.RunReport{Stage: "detect"}

	loaded, err := d.store.Load(ctx, now, cfg.LookbackWindow(), cfg.MaxSkipRatio)
	report.SkippedRecords = loaded.Skipped
	if err != nil {
		return nil, report, err
	}

	if loaded.Total == 0 {
		report.Warn(WarnInsufficientData + ": no metric samples in window")
		return nil, report, nil
	}

	logsBySource := make(map[string][]models.LogRecord)
	for _, rec := range loaded.LogRecords {
		logsBySource[rec.Source] = append(logsBySource[rec.Source], rec)
	}

	spikeDetector := NewLogSpikeDetector(cfg.LogSpikeBaseline, cfg.LogSpikeThreshold)
	windowStart := now.Add(-cfg.LookbackWindow())

	var events []models.AnomalyEvent
	eligibleGroups := 0
	scoredGroups := 0

	for _, group := range loaded.Groups {
		if len(group.Samples) < cfg.MinSamples {
			report.Warn(fmt.Sprintf("%s: source %q has %d samples, need %d",
				WarnInsufficientData, group.Source, len(group.Samples), cfg.MinSamples))
			continue
		}
		eligibleGroups++

		matrix, err := Standardize(group.Matrix)
		if err != nil {
			report.Warn(fmt.Sprintf("source %q: %v", group.Source, err))
			continue
		}

		scorers := make([]Scorer, 0, len(cfg.Scorers))
		for _, kind := range cfg.Scorers {
			scorer, err := NewScorer(kind, cfg.Seed)
			if err != nil {
				report.Warn(err.Error())
				continue
			}
			scorers = append(scorers, scorer)
		}

		spike := spikeDetector.Vote(group.Samples, logsBySource[group.Source])
		extra := []Vote{{Name: spikeDetector.Name(), Scores: spike.Scores, Flags: spike.Flags}}

		ensemble := RunEnsemble(scorers, matrix, cfg.Contamination, extra, d.logger)
		report.DroppedScorers = append(report.DroppedScorers, ensemble.Dropped...)
		if len(ensemble.Verdicts) == 0 {
			report.Warn(fmt.Sprintf("source %q: no scorer produced a verdict", group.Source))
			continue
		}
		scoredGroups++

		for i, verdict := range ensemble.Verdicts {
			if !verdict.IsAnomaly {
				continue
			}
			sample := group.Samples[i]
			events = append(events, models.AnomalyEvent{
				ID:             eventID(group.Source, sample.ID, now),
				WindowStart:    windowStart,
				WindowEnd:      now,
				Source:         group.Source,
				SampleIDs:      []int64{sample.ID},
				LogRecordIDs:   spike.RecordIDs[i],
				DetectorScores: verdict.RawScores,
				Severity:       verdict.Severity,
				IsAnomaly:      true,
				Features:       sample.Features,
				LogExcerpt:     spike.Excerpts[i],
				CreatedAt:      now,
			})
		}
	}

	if eligibleGroups > 0 && scoredGroups == 0 {
		return nil, report, ErrAllScorersFailed
	}

	report.Produced = len(events)
	d.logger.Info("detection pass complete",
		slog.Int("events", len(events)),
		slog.Int("groups", len(loaded.Groups)),
		slog.Int("skipped", report.SkippedRecords))
	return events, report, nil
}

// eventID derives a stable id so identical runs emit identical events.
func eventID(source string, sampleID int64, windowEnd time.Time) string {
	key := fmt.Sprintf("event:%s:%d:%d", source, sampleID, windowEnd.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}
