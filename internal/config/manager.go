package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "ANOMALYD"

// Manager loads the configuration from an optional YAML file and ANOMALYD_*
// environment variables, and reloads it when the file changes.
type Manager struct {
	path string
	v    *viper.Viper

	mu     sync.RWMutex
	cfg    *Config
	logger *zap.Logger
}

// NewManager creates a manager for path. An empty path uses defaults and
// environment variables only.
func NewManager(path string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{path: path, logger: logger}
}

// SetLogger replaces the logger, typically once the configured one is built
func (m *Manager) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

func (m *Manager) log() *zap.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// Load reads all sources and validates the result
func (m *Manager) Load() (*Config, error) {
	m.v = viper.New()
	if m.path != "" {
		m.v.SetConfigFile(m.path)
		m.v.SetConfigType("yaml")
	}
	m.v.SetEnvPrefix(envPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()
	setDefaults(m.v)

	if m.path != "" {
		if err := m.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			m.log().Warn("config file not found, using defaults", zap.String("path", m.path))
		}
	}

	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the last successfully loaded configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch calls onChange with the previous and the new configuration each time
// the file changes and still validates. Invalid edits are logged and ignored.
func (m *Manager) Watch(onChange func(old, updated *Config)) {
	if m.path == "" || m.v == nil {
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := m.decode()
		if err != nil {
			m.log().Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}

		m.mu.Lock()
		old := m.cfg
		m.cfg = cfg
		logger := m.logger
		m.mu.Unlock()

		logger.Info("config reloaded", zap.String("file", e.Name))
		onChange(old, cfg)
	})
	m.v.WatchConfig()
}

func (m *Manager) decode() (*Config, error) {
	cfg := &Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.RulesFile != "" {
		rules, err := LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Rules = append(cfg.Rules, rules...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so that environment overrides apply to it
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	v.SetDefault("prometheus.endpoint", d.Prometheus.Endpoint)
	v.SetDefault("prometheus.timeout", d.Prometheus.Timeout)
	v.SetDefault("prometheus.max_retries", d.Prometheus.MaxRetries)
	v.SetDefault("prometheus.retry_backoff", d.Prometheus.RetryBackoff)
	v.SetDefault("prometheus.circuit_breaker_threshold", d.Prometheus.CircuitBreakerThreshold)
	v.SetDefault("prometheus.circuit_cooldown", d.Prometheus.CircuitCooldown)
	v.SetDefault("prometheus.connection_pool_size", d.Prometheus.PoolSize)
	v.SetDefault("prometheus.bearer_token", d.Prometheus.BearerToken)
	v.SetDefault("prometheus.username", d.Prometheus.Username)
	v.SetDefault("prometheus.password", d.Prometheus.Password)
	v.SetDefault("prometheus.cache_ttl", d.Prometheus.CacheTTL)
	v.SetDefault("prometheus.cache_capacity", d.Prometheus.CacheCapacity)

	v.SetDefault("baseline.sensitivity", d.Baseline.Sensitivity)
	v.SetDefault("baseline.learning_rate", d.Baseline.LearningRate)
	v.SetDefault("baseline.location", d.Baseline.Location)
	v.SetDefault("baseline.min_confidence", d.Baseline.MinConfidence)

	v.SetDefault("window.duration", d.Window.Duration)
	v.SetDefault("window.max_elements", d.Window.MaxElements)

	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.compression_level", d.Storage.CompressionLevel)
	v.SetDefault("storage.sync_writes", d.Storage.SyncWrites)
	v.SetDefault("storage.snapshot_interval", d.Storage.SnapshotInterval)

	v.SetDefault("detector.evaluation_concurrency", d.Detector.EvaluationConcurrency)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("rules_file", d.RulesFile)
}

// LiveChanges reports whether only live-tunable settings differ between two
// configurations, and lists the baseline settings that changed
func LiveChanges(old, updated *Config) (changed []string, restartRequired bool) {
	if old.Baseline.Sensitivity != updated.Baseline.Sensitivity {
		changed = append(changed, "baseline.sensitivity")
	}
	if old.Baseline.LearningRate != updated.Baseline.LearningRate {
		changed = append(changed, "baseline.learning_rate")
	}

	o, u := *old, *updated
	o.Baseline.Sensitivity, u.Baseline.Sensitivity = 0, 0
	o.Baseline.LearningRate, u.Baseline.LearningRate = 0, 0
	o.Rules, u.Rules = nil, nil
	restartRequired = fmt.Sprintf("%+v", o) != fmt.Sprintf("%+v", u)
	return changed, restartRequired
}
