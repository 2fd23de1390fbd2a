package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunables for the anomaly-pattern engine. There is no
// process-wide mutable state: the loaded value is passed into each stage call.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Detection  DetectionConfig  `yaml:"detection"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// StorageConfig locates the artifact store shared with collaborators.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DetectionConfig controls the ensemble detection stage.
type DetectionConfig struct {
	LookbackHours     int      `yaml:"lookbackHours"`
	Contamination     float64  `yaml:"contamination"`
	Scorers           []string `yaml:"scorers"`
	Seed              int64    `yaml:"seed"`
	MinSamples        int      `yaml:"minSamples"`
	MaxSkipRatio      float64  `yaml:"maxSkipRatio"`
	LogSpikeBaseline  int      `yaml:"logSpikeBaseline"`
	LogSpikeThreshold float64  `yaml:"logSpikeThreshold"`
}

// ExtractionConfig controls pattern extraction.
type ExtractionConfig struct {
	Granularity    float64 `yaml:"granularity"`
	MinClusterSize int     `yaml:"minClusterSize"`
	HighSigma      float64 `yaml:"highSigma"`
	CriticalSigma  float64 `yaml:"criticalSigma"`
	TopKeywords    int     `yaml:"topKeywords"`
	EventWindow    int     `yaml:"eventWindow"`
}

// GenerationConfig controls scanner generation.
type GenerationConfig struct {
	ScannersDir string `yaml:"scannersDir"`
	Target      string `yaml:"target"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the optional Prometheus listener in loop mode.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("STAROPS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Storage: StorageConfig{Path: "data/starops.db"},
		Detection: DetectionConfig{
			LookbackHours:     24,
			Contamination:     0.1,
			Scorers:           []string{"isolation", "density", "distance"},
			Seed:              42,
			MinSamples:        10,
			MaxSkipRatio:      0.5,
			LogSpikeBaseline:  5,
			LogSpikeThreshold: 3.0,
		},
		Extraction: ExtractionConfig{
			Granularity:    0.25,
			MinClusterSize: 3,
			HighSigma:      1.5,
			CriticalSigma:  3.0,
			TopKeywords:    10,
			EventWindow:    500,
		},
		Generation: GenerationConfig{
			ScannersDir: "scanners",
			Target:      "shell",
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Metrics: MetricsConfig{Address: ""},
	}
}

func validate(cfg *Config) error {
	if cfg.Detection.Contamination <= 0 || cfg.Detection.Contamination > 0.5 {
		return fmt.Errorf("detection.contamination must be in (0, 0.5], got %v", cfg.Detection.Contamination)
	}
	if cfg.Detection.LookbackHours <= 0 {
		return fmt.Errorf("detection.lookbackHours must be positive, got %d", cfg.Detection.LookbackHours)
	}
	if cfg.Extraction.MinClusterSize < 1 {
		return fmt.Errorf("extraction.minClusterSize must be at least 1, got %d", cfg.Extraction.MinClusterSize)
	}
	if cfg.Extraction.HighSigma > cfg.Extraction.CriticalSigma {
		return fmt.Errorf("extraction.highSigma %v exceeds criticalSigma %v", cfg.Extraction.HighSigma, cfg.Extraction.CriticalSigma)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAROPS_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STAROPS_LOOKBACK_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil {
			cfg.Detection.LookbackHours = hours
		}
	}
	if v := os.Getenv("STAROPS_CONTAMINATION"); v != "" {
		if c, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.Contamination = c
		}
	}
	if v := os.Getenv("STAROPS_SCORERS"); v != "" {
		parts := strings.Split(v, ",")
		scorers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				scorers = append(scorers, p)
			}
		}
		if len(scorers) > 0 {
			cfg.Detection.Scorers = scorers
		}
	}
	if v := os.Getenv("STAROPS_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Detection.Seed = seed
		}
	}
	if v := os.Getenv("STAROPS_MIN_CLUSTER_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.MinClusterSize = size
		}
	}
	if v := os.Getenv("STAROPS_SCANNERS_DIR"); v != "" {
		cfg.Generation.ScannersDir = v
	}
	if v := os.Getenv("STAROPS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STAROPS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("STAROPS_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
}

// LookbackWindow converts the configured lookback hours to a duration.
func (c DetectionConfig) LookbackWindow() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}
