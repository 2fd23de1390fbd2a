package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/engine"
	"github.com/Kylin-StarOps-Team/StarOps/internal/metrics"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
	"github.com/Kylin-StarOps-Team/StarOps/internal/storage"
	"github.com/Kylin-StarOps-Team/StarOps/internal/utils"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "starops-engine",
		Short: "Anomaly pattern engine: detect, extract, and generate host scanners",
		Long: `starops-engine turns collected host metrics and logs into runnable
diagnostic scanners in three batch stages:

  detect     score the recent window and record anomaly events
  extract    cluster recurring events into durable patterns
  generate   render one scanner script per pattern

Each stage reads and writes the shared SQLite artifact store, so stages can
run independently or chained with "run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	cmd.AddCommand(
		stageCmd(&configPath, "detect", "Score the lookback window and record anomaly events",
			func(ctx context.Context, p *engine.Pipeline) (models.RunReport, error) { return p.RunDetection(ctx) }),
		stageCmd(&configPath, "extract", "Cluster recent anomaly events into patterns",
			func(ctx context.Context, p *engine.Pipeline) (models.RunReport, error) { return p.RunExtraction(ctx) }),
		stageCmd(&configPath, "generate", "Render a scanner script for every stored pattern",
			func(ctx context.Context, p *engine.Pipeline) (models.RunReport, error) { return p.RunGeneration(ctx) }),
		runCmd(&configPath),
	)
	return cmd
}

func stageCmd(configPath *string, name, short string, stage func(context.Context, *engine.Pipeline) (models.RunReport, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(*configPath, func(ctx context.Context, pipeline *engine.Pipeline, logger *slog.Logger) error {
				report, err := stage(ctx, pipeline)
				logReport(logger, report)
				return err
			})
		},
	}
}

func runCmd(configPath *string) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all three stages, once or on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(*configPath, func(ctx context.Context, pipeline *engine.Pipeline, logger *slog.Logger) error {
				report, err := pipeline.RunAll(ctx)
				logReport(logger, report)
				if err != nil || every <= 0 {
					return err
				}

				ticker := time.NewTicker(every)
				defer ticker.Stop()
				logger.Info("running on interval", slog.Duration("every", every))
				for {
					select {
					case <-ctx.Done():
						logger.Info("shutting down")
						return nil
					case <-ticker.C:
						report, err := pipeline.RunAll(ctx)
						logReport(logger, report)
						if err != nil {
							logger.Error("pass failed", slog.Any("error", err))
						}
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the full pass on this interval (0 runs once)")
	return cmd
}

// withPipeline loads configuration, opens the artifact store, and hands a
// wired pipeline to fn. The metrics listener starts only when configured.
func withPipeline(configPath string, fn func(context.Context, *engine.Pipeline, *slog.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		return err
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		return err
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open artifact store", slog.String("path", cfg.Storage.Path), slog.Any("error", err))
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		logger.Error("failed to migrate artifact store", slog.Any("error", err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	pipeline := engine.NewPipeline(cfg, storage.NewRepository(db), logger)
	return fn(ctx, pipeline, logger)
}

func logReport(logger *slog.Logger, report models.RunReport) {
	attrs := []any{
		slog.String("stage", report.Stage),
		slog.Int("produced", report.Produced),
	}
	if report.SkippedRecords > 0 {
		attrs = append(attrs, slog.Int("skipped_records", report.SkippedRecords))
	}
	if report.DroppedClusters > 0 {
		attrs = append(attrs, slog.Int("dropped_clusters", report.DroppedClusters))
	}
	if len(report.DroppedScorers) > 0 {
		attrs = append(attrs, slog.Any("dropped_scorers", report.DroppedScorers))
	}
	if len(report.FailedPatterns) > 0 {
		attrs = append(attrs, slog.Int("failed_patterns", len(report.FailedPatterns)))
	}
	logger.Info(fmt.Sprintf("%s finished", report.Stage), attrs...)
}
