package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vjranagit/anomalyd/internal/logging"
	"github.com/vjranagit/anomalyd/pkg/baseline"
	"github.com/vjranagit/anomalyd/pkg/promclient"
	"github.com/vjranagit/anomalyd/pkg/storage"
	"github.com/vjranagit/anomalyd/pkg/tracker"
	"github.com/vjranagit/anomalyd/pkg/types"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Baseline   BaselineConfig   `mapstructure:"baseline"`
	Window     WindowConfig     `mapstructure:"window"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Logging    logging.Config   `mapstructure:"logging"`
	Rules      []types.Rule     `mapstructure:"rules"`
	RulesFile  string           `mapstructure:"rules_file"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// PrometheusConfig holds the query client settings and the optional response cache
type PrometheusConfig struct {
	promclient.Config `mapstructure:",squash"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CacheCapacity     int           `mapstructure:"cache_capacity"`
}

// BaselineConfig tunes the seasonal models. Sensitivity and learning rate
// are applied live when the config file changes.
type BaselineConfig struct {
	Sensitivity   float64 `mapstructure:"sensitivity"`
	LearningRate  float64 `mapstructure:"learning_rate"`
	Location      string  `mapstructure:"location"` // IANA name, "Local" or "UTC"
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// WindowConfig bounds each stream window
type WindowConfig struct {
	Duration    time.Duration `mapstructure:"duration"`
	MaxElements int           `mapstructure:"max_elements"`
}

// StorageConfig controls window and model snapshots
type StorageConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Path             string        `mapstructure:"path"`
	CompressionLevel int           `mapstructure:"compression_level"`
	SyncWrites       bool          `mapstructure:"sync_writes"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// DetectorConfig controls rule evaluation
type DetectorConfig struct {
	EvaluationConcurrency int `mapstructure:"evaluation_concurrency"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	store := storage.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Prometheus: PrometheusConfig{
			Config:        promclient.DefaultConfig(),
			CacheCapacity: 1024,
		},
		Baseline: BaselineConfig{
			Sensitivity:   baseline.DefaultSensitivity,
			LearningRate:  baseline.DefaultLearningRate,
			Location:      "Local",
			MinConfidence: 0.5,
		},
		Window: WindowConfig{
			Duration:    time.Hour,
			MaxElements: 10_000,
		},
		Storage: StorageConfig{
			Enabled:          false,
			Path:             store.Path,
			CompressionLevel: store.CompressionLevel,
			SnapshotInterval: 5 * time.Minute,
		},
		Detector: DetectorConfig{
			EvaluationConcurrency: 4,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if err := c.Prometheus.Config.Validate(); err != nil {
		return err
	}
	if c.Prometheus.CacheTTL < 0 {
		return fmt.Errorf("prometheus cache ttl must not be negative")
	}
	if c.Prometheus.CacheTTL > 0 && c.Prometheus.CacheCapacity < 1 {
		return fmt.Errorf("prometheus cache capacity must be at least 1 when caching is enabled")
	}

	if c.Baseline.LearningRate <= 0 || c.Baseline.LearningRate > 1 {
		return fmt.Errorf("baseline learning rate must be in (0, 1], got %v", c.Baseline.LearningRate)
	}
	if c.Baseline.Sensitivity < 0 {
		return fmt.Errorf("baseline sensitivity must not be negative")
	}
	if c.Baseline.MinConfidence < 0 || c.Baseline.MinConfidence > 1 {
		return fmt.Errorf("baseline min confidence must be in [0, 1]")
	}
	if _, err := c.Baseline.TimeLocation(); err != nil {
		return err
	}

	if c.Window.Duration < 0 || c.Window.MaxElements < 0 {
		return fmt.Errorf("window bounds must not be negative")
	}

	if c.Storage.Enabled {
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
			return fmt.Errorf("compression level must be between 1 and 4")
		}
	}

	if c.Detector.EvaluationConcurrency < 1 {
		return fmt.Errorf("detector evaluation concurrency must be at least 1")
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if r.QueryTemplate == "" {
			return fmt.Errorf("rule %q has no query", r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}

	return nil
}

// TimeLocation resolves the calendar used for seasonal bucket keys
func (b BaselineConfig) TimeLocation() (*time.Location, error) {
	switch b.Location {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(b.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid baseline location %q: %w", b.Location, err)
	}
	return loc, nil
}

// TrackerConfig converts to tracker.Config
func (c *Config) TrackerConfig() (tracker.Config, error) {
	loc, err := c.Baseline.TimeLocation()
	if err != nil {
		return tracker.Config{}, err
	}
	return tracker.Config{
		WindowDuration:    c.Window.Duration,
		WindowMaxElements: c.Window.MaxElements,
		Sensitivity:       c.Baseline.Sensitivity,
		LearningRate:      c.Baseline.LearningRate,
		Location:          loc,
		MinConfidence:     c.Baseline.MinConfidence,
	}, nil
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		Path:             c.Storage.Path,
		CompressionLevel: c.Storage.CompressionLevel,
		SyncWrites:       c.Storage.SyncWrites,
	}
}

// rulesDocument is the layout of a rules file
type rulesDocument struct {
	Rules []types.Rule `yaml:"rules"`
}

// LoadRulesFile reads rules from a YAML file. ${VAR} references are expanded
// from the environment before parsing.
func LoadRulesFile(path string) ([]types.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc rulesDocument
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, errors.New("rules file defines no rules")
	}
	return doc.Rules, nil
}
