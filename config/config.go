// Package config loads runtime configuration from environment variables
// (and an optional YAML file), per spec §6.6, with hot-reload of the quality
// thresholds and webhook defaults via fsnotify, grounded on the teacher
// pack's viper-based CLI configuration layer.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Database type values for DATABASE_TYPE (spec §6.6).
const (
	DatabaseMemory   = "memory"
	DatabaseEmbedded = "embedded"
	DatabaseNetwork  = "network"
)

// Config is the fully-resolved runtime configuration (spec §6.6).
type Config struct {
	// Environment selects the DATABASE_TYPE default when unset: dev->embedded,
	// test->memory, prod->network (spec §6.6).
	Environment string

	// Storage
	DatabaseType string // "memory" | "embedded" | "network"
	DatabaseURL  string
	SQLitePath   string

	// Queue
	RedisURL string
	DataDir  string

	// HTTP
	HTTPAddr string

	// Providers
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string

	// Quality pipeline
	QualitySoftThreshold float64
	QualityCacheSize     int
	QualityCacheTTL      time.Duration

	// Webhooks
	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	// Worker pool
	WorkerConcurrency int
	WorkerLeaseTTL    time.Duration
}

func defaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("sqlite_path", "./orchestrator.db")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("quality_soft_threshold", 7.0)
	v.SetDefault("quality_cache_size", 1024)
	v.SetDefault("quality_cache_ttl", "1h")
	v.SetDefault("webhook_timeout", "10s")
	v.SetDefault("webhook_max_retries", 3)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("worker_lease_ttl", "10m")
}

// Load reads configuration from environment variables (prefix-free, matching
// spec §6.6's names) and, if present, configPath as a YAML overlay.
// Environment variables always win over the file.
func Load(configPath string) (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	return fromViper(v)
}

// defaultDatabaseType picks DATABASE_TYPE's environment default (spec §6.6:
// "dev->embedded, test->memory, prod->network") when it isn't set explicitly.
func defaultDatabaseType(environment string) string {
	switch environment {
	case "test":
		return DatabaseMemory
	case "prod", "production":
		return DatabaseNetwork
	default:
		return DatabaseEmbedded
	}
}

func fromViper(v *viper.Viper) (Config, error) {
	databaseType := v.GetString("database_type")
	environment := v.GetString("environment")
	if databaseType == "" {
		databaseType = defaultDatabaseType(environment)
	}
	cfg := Config{
		Environment:          environment,
		DatabaseType:         databaseType,
		DatabaseURL:          v.GetString("database_url"),
		SQLitePath:           v.GetString("sqlite_path"),
		RedisURL:             v.GetString("redis_url"),
		DataDir:              v.GetString("data_dir"),
		HTTPAddr:             v.GetString("http_addr"),
		AnthropicAPIKey:      v.GetString("anthropic_api_key"),
		OpenAIAPIKey:         v.GetString("openai_api_key"),
		GoogleAPIKey:         v.GetString("google_api_key"),
		QualitySoftThreshold: v.GetFloat64("quality_soft_threshold"),
		QualityCacheSize:     v.GetInt("quality_cache_size"),
		QualityCacheTTL:      v.GetDuration("quality_cache_ttl"),
		WebhookTimeout:       v.GetDuration("webhook_timeout"),
		WebhookMaxRetries:    v.GetInt("webhook_max_retries"),
		WorkerConcurrency:    v.GetInt("worker_concurrency"),
		WorkerLeaseTTL:       v.GetDuration("worker_lease_ttl"),
	}
	switch cfg.DatabaseType {
	case DatabaseMemory, DatabaseEmbedded, DatabaseNetwork:
	default:
		return Config{}, fmt.Errorf("config: database_type must be one of memory, embedded, network, got %q", cfg.DatabaseType)
	}
	if cfg.DatabaseType == DatabaseNetwork && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: database_url is required when database_type=network")
	}
	return cfg, nil
}

// Watcher hot-reloads the mutable subset of Config (quality thresholds,
// webhook settings) from a config file on change, leaving storage/queue
// wiring (which requires a process restart to re-dial) untouched.
type Watcher struct {
	mu      sync.RWMutex
	current Config
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher loads configPath once, then watches it for changes.
func NewWatcher(configPath string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if configPath != "" {
		if err := fw.Add(configPath); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("config: watch %s: %w", configPath, err)
		}
	}
	w := &Watcher{current: cfg, logger: logger, watcher: fw}
	go w.loop(configPath)
	return w, nil
}

func (w *Watcher) loop(configPath string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(configPath)
			if err != nil {
				w.logger.Error("config: reload failed, keeping previous values", "error", err)
				continue
			}
			w.mu.Lock()
			w.current.QualitySoftThreshold = cfg.QualitySoftThreshold
			w.current.WebhookTimeout = cfg.WebhookTimeout
			w.current.WebhookMaxRetries = cfg.WebhookMaxRetries
			w.mu.Unlock()
			w.logger.Info("config reloaded", "path", configPath)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config: watcher error", "error", err)
		}
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
