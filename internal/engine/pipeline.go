package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/detector"
	"github.com/Kylin-StarOps-Team/StarOps/internal/featurestore"
	"github.com/Kylin-StarOps-Team/StarOps/internal/metrics"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
	"github.com/Kylin-StarOps-Team/StarOps/internal/patterns"
	"github.com/Kylin-StarOps-Team/StarOps/internal/scangen"
	"github.com/Kylin-StarOps-Team/StarOps/internal/storage"
	"github.com/Kylin-StarOps-Team/StarOps/internal/utils"
)

// Pipeline owns the three batch stages and their persistence. Each stage is
// runnable on its own; RunAll chains them detection first.
type Pipeline struct {
	cfg       *config.Config
	repo      *storage.Repository
	detector  *detector.Detector
	extractor *patterns.Extractor
	generator *scangen.Generator
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline wires the stages over an open repository.
func NewPipeline(cfg *config.Config, repo *storage.Repository, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	store := featurestore.NewStore(repo, logger)
	return &Pipeline{
		cfg:       cfg,
		repo:      repo,
		detector:  detector.NewDetector(store, logger),
		extractor: patterns.NewExtractor(logger),
		generator: scangen.NewGenerator(logger),
		logger:    logger,
		now:       time.Now,
	}
}

// RunDetection scores the current lookback window and persists the resulting
// anomaly events.
func (p *Pipeline) RunDetection(ctx context.Context) (models.RunReport, error) {
	started := p.now()
	events, report, err := p.detector.Run(ctx, p.cfg.Detection, started.UTC())
	p.observe("detect", started, err)
	p.logWarnings(report)
	if err != nil {
		return report, err
	}

	if len(events) > 0 {
		if err := p.repo.AppendAnomalyEvents(ctx, events); err != nil {
			return report, utils.NewAppError("detect", "persist events", err)
		}
	}
	metrics.CountEntities("events", len(events))

	if err := p.updateState(ctx, func(st *storage.RunState) {
		st.LastDetection = sql.NullTime{Time: started.UTC(), Valid: true}
		st.TotalEvents += len(events)
	}); err != nil {
		return report, err
	}
	return report, nil
}

// RunExtraction clusters recent unconsumed anomaly events into patterns and
// appends them to the store.
func (p *Pipeline) RunExtraction(ctx context.Context) (models.RunReport, error) {
	started := p.now()

	events, err := p.repo.RecentAnomalyEvents(ctx, p.cfg.Extraction.EventWindow)
	if err != nil {
		p.observe("extract", started, err)
		return models.RunReport{Stage: "extract"}, utils.NewAppError("extract", "load events", err)
	}
	consumed, err := p.repo.PatternEventIDs(ctx)
	if err != nil {
		p.observe("extract", started, err)
		return models.RunReport{Stage: "extract"}, utils.NewAppError("extract", "load consumed event ids", err)
	}

	extracted, report, err := p.extractor.Extract(ctx, p.cfg.Extraction, events, consumed, started.UTC())
	p.observe("extract", started, err)
	p.logWarnings(report)
	if err != nil {
		return report, err
	}

	if len(extracted) > 0 {
		if err := p.repo.AppendPatterns(ctx, extracted); err != nil {
			return report, utils.NewAppError("extract", "persist patterns", err)
		}
	}
	metrics.CountEntities("patterns", len(extracted))

	if err := p.updateState(ctx, func(st *storage.RunState) {
		st.LastExtraction = sql.NullTime{Time: started.UTC(), Valid: true}
		st.TotalPatterns += len(extracted)
	}); err != nil {
		return report, err
	}
	return report, nil
}

// RunGeneration renders a scanner for every stored pattern and registers the
// artifacts. Per-pattern failures land in the report, not the error.
func (p *Pipeline) RunGeneration(ctx context.Context) (models.RunReport, error) {
	started := p.now()

	stored, err := p.repo.ListPatterns(ctx)
	if err != nil {
		p.observe("generate", started, err)
		return models.RunReport{Stage: "generate"}, utils.NewAppError("generate", "load patterns", err)
	}

	scanners, report, err := p.generator.Generate(ctx, p.cfg.Generation, stored, started.UTC())
	p.observe("generate", started, err)
	p.logWarnings(report)
	if err != nil {
		return report, err
	}

	for _, scanner := range scanners {
		if err := p.repo.UpsertScannerRegistration(ctx, scanner); err != nil {
			return report, utils.NewAppError("generate", "register scanner "+scanner.ID, err)
		}
	}
	metrics.CountEntities("scanners", len(scanners))

	if err := p.updateState(ctx, func(st *storage.RunState) {
		st.LastGeneration = sql.NullTime{Time: started.UTC(), Valid: true}
		st.TotalScanners = len(scanners)
	}); err != nil {
		return report, err
	}
	return report, nil
}

// RunAll chains detection, extraction, and generation. A stage error stops
// the chain; diagnostics from completed stages are still returned.
func (p *Pipeline) RunAll(ctx context.Context) (models.RunReport, error) {
	combined := models.RunReport{Stage: "run"}

	stages := []func(context.Context) (models.RunReport, error){
		p.RunDetection,
		p.RunExtraction,
		p.RunGeneration,
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return combined, err
		}
		report, err := stage(ctx)
		combined.Merge(report)
		if err != nil {
			return combined, err
		}
	}
	return combined, nil
}

func (p *Pipeline) observe(stage string, started time.Time, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveStage(stage, p.now().Sub(started), outcome)
}

func (p *Pipeline) logWarnings(report models.RunReport) {
	for _, warning := range report.Warnings {
		p.logger.Warn(warning, slog.String("stage", report.Stage))
	}
	for _, failure := range report.FailedPatterns {
		p.logger.Warn("pattern skipped",
			slog.String("stage", report.Stage),
			slog.String("pattern", failure.PatternID),
			slog.String("reason", failure.Reason))
	}
}

func (p *Pipeline) updateState(ctx context.Context, apply func(*storage.RunState)) error {
	st, err := p.repo.LoadRunState(ctx)
	if err != nil {
		return utils.NewAppError("state", "load run state", err)
	}
	apply(&st)
	if err := p.repo.SaveRunState(ctx, st); err != nil {
		return utils.NewAppError("state", "save run state", err)
	}
	return nil
}
