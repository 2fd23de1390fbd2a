package scangen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// Generator renders one scanner artifact per pattern and writes it to the
// scanners directory.
type Generator struct {
	logger *slog.Logger
}

// NewGenerator constructs the generation stage.
func NewGenerator(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{logger: logger}
}

// Generate lowers each pattern to a rule and emits scanner source for the
// configured target. A pattern that cannot be lowered or written is recorded
// in the report and skipped; one bad pattern never blocks the batch. Scanner
// ids derive from the pattern id, so regenerating an unchanged pattern yields
// the same id and byte-identical source.
func (g *Generator) Generate(ctx context.Context, cfg config.GenerationConfig, patterns []models.AnomalyPattern, now time.Time) ([]models.GeneratedScanner, models.RunReport, error) {
	report := models.RunReport{Stage: "generate"}

	emitter, err := NewEmitter(cfg.Target)
	if err != nil {
		return nil, report, err
	}
	if len(patterns) == 0 {
		report.Warn("no patterns to generate from")
		return nil, report, nil
	}
	if err := os.MkdirAll(cfg.ScannersDir, 0o755); err != nil {
		return nil, report, fmt.Errorf("create scanners dir: %w", err)
	}

	var scanners []models.GeneratedScanner
	for _, pattern := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		rule, err := RuleFromPattern(pattern)
		if err != nil {
			report.FailedPatterns = append(report.FailedPatterns,
				models.PatternFailure{PatternID: pattern.ID, Reason: err.Error()})
			continue
		}
		source, err := emitter.Emit(rule)
		if err != nil {
			report.FailedPatterns = append(report.FailedPatterns,
				models.PatternFailure{PatternID: pattern.ID, Reason: err.Error()})
			continue
		}

		id := scannerID(pattern.ID)
		path := filepath.Join(cfg.ScannersDir, "scan_"+id[:8]+emitter.FileExtension())
		if err := os.WriteFile(path, []byte(source), 0o755); err != nil {
			report.FailedPatterns = append(report.FailedPatterns,
				models.PatternFailure{PatternID: pattern.ID, Reason: fmt.Sprintf("write %s: %v", path, err)})
			continue
		}

		scanners = append(scanners, models.GeneratedScanner{
			ID:          id,
			PatternID:   pattern.ID,
			Source:      pattern.Source,
			SourceText:  source,
			RuleSummary: rule.Summary(),
			Path:        path,
			GeneratedAt: now,
		})
	}

	report.Produced = len(scanners)
	g.logger.Info("generation pass complete",
		slog.Int("scanners", len(scanners)),
		slog.Int("failed", len(report.FailedPatterns)),
		slog.String("dir", cfg.ScannersDir))
	return scanners, report, nil
}

// scannerID derives a stable id from the pattern id.
func scannerID(patternID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("scanner:"+patternID)).String()
}
