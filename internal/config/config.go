// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from an optional YAML file
// with environment-variable overrides. There is no hidden fast-path:
// every interval used at runtime is exactly what is configured here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the automation core.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"`
	SnapshotDir string `yaml:"snapshot_dir"`
	// SnapshotBackend selects machine snapshot persistence: "badger" or "memory".
	SnapshotBackend string `yaml:"snapshot_backend"`

	// RedisAddr enables the cache lookaside layer when non-empty (host:port).
	RedisAddr string `yaml:"redis_addr"`

	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	UserID     string `yaml:"user_id"`

	CheckinInterval time.Duration `yaml:"checkin_interval"`
	CheckinGrace    time.Duration `yaml:"checkin_grace"`
	SessionDuration time.Duration `yaml:"session_duration"`
	SnapshotGrace   time.Duration `yaml:"snapshot_grace"`

	// FocusWarnThresholds are remaining-time marks, largest first.
	FocusWarnThresholds []time.Duration `yaml:"focus_warn_thresholds"`

	PeakWindowStart time.Duration `yaml:"peak_window_start"`
	PeakWindowEnd   time.Duration `yaml:"peak_window_end"`

	CacheSimilarityThreshold float64       `yaml:"cache_similarity_threshold"`
	CacheMaxAge              time.Duration `yaml:"cache_max_age"`
	CacheScanLimit           int           `yaml:"cache_scan_limit"`

	StoreMaxRetries int `yaml:"store_max_retries"`
}

// Defaults returns the configuration used when neither file nor
// environment provides a value.
func Defaults() Config {
	return Config{
		DataDir:                  "./data",
		SnapshotBackend:          "badger",
		ListenAddr:               ":8099",
		LogLevel:                 "info",
		UserID:                   "default",
		CheckinInterval:          10 * time.Minute,
		CheckinGrace:             2 * time.Minute,
		SessionDuration:          50 * time.Minute,
		SnapshotGrace:            5 * time.Minute,
		FocusWarnThresholds:      []time.Duration{30 * time.Minute, 10 * time.Minute, 5 * time.Minute},
		PeakWindowStart:          1 * time.Hour,
		PeakWindowEnd:            5 * time.Hour,
		CacheSimilarityThreshold: 0.6,
		CacheScanLimit:           25,
		StoreMaxRetries:          5,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if any), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "adhd_os.db")
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = filepath.Join(cfg.DataDir, "machines")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = ParseString("ADHDOS_DATA", c.DataDir)
	c.DBPath = ParseString("ADHDOS_DB_PATH", c.DBPath)
	c.SnapshotDir = ParseString("ADHDOS_SNAPSHOT_DIR", c.SnapshotDir)
	c.SnapshotBackend = ParseString("ADHDOS_SNAPSHOT_BACKEND", c.SnapshotBackend)
	c.RedisAddr = ParseString("ADHDOS_REDIS_ADDR", c.RedisAddr)
	c.ListenAddr = ParseString("ADHDOS_LISTEN", c.ListenAddr)
	c.LogLevel = ParseString("ADHDOS_LOG_LEVEL", c.LogLevel)
	c.UserID = ParseString("ADHDOS_USER", c.UserID)
	c.CheckinInterval = ParseDuration("ADHDOS_CHECKIN_INTERVAL", c.CheckinInterval)
	c.CheckinGrace = ParseDuration("ADHDOS_CHECKIN_GRACE", c.CheckinGrace)
	c.SessionDuration = ParseDuration("ADHDOS_SESSION_DURATION", c.SessionDuration)
	c.SnapshotGrace = ParseDuration("ADHDOS_SNAPSHOT_GRACE", c.SnapshotGrace)
	c.PeakWindowStart = ParseDuration("ADHDOS_PEAK_START", c.PeakWindowStart)
	c.PeakWindowEnd = ParseDuration("ADHDOS_PEAK_END", c.PeakWindowEnd)
	c.CacheSimilarityThreshold = ParseFloat("ADHDOS_CACHE_THRESHOLD", c.CacheSimilarityThreshold)
	c.CacheMaxAge = ParseDuration("ADHDOS_CACHE_MAX_AGE", c.CacheMaxAge)
	c.CacheScanLimit = ParseInt("ADHDOS_CACHE_SCAN_LIMIT", c.CacheScanLimit)
	c.StoreMaxRetries = ParseInt("ADHDOS_STORE_MAX_RETRIES", c.StoreMaxRetries)
}

// Validate rejects configurations the machines cannot run with.
func (c *Config) Validate() error {
	if c.CheckinInterval <= 0 {
		return fmt.Errorf("config: checkin_interval must be positive, got %s", c.CheckinInterval)
	}
	if c.CheckinGrace <= 0 || c.CheckinGrace >= c.CheckinInterval {
		return fmt.Errorf("config: checkin_grace must be positive and shorter than checkin_interval")
	}
	if len(c.FocusWarnThresholds) == 0 {
		return fmt.Errorf("config: focus_warn_thresholds must not be empty")
	}
	for i := 1; i < len(c.FocusWarnThresholds); i++ {
		if c.FocusWarnThresholds[i] >= c.FocusWarnThresholds[i-1] {
			return fmt.Errorf("config: focus_warn_thresholds must be strictly decreasing")
		}
	}
	if c.PeakWindowEnd <= c.PeakWindowStart {
		return fmt.Errorf("config: peak window end must be after start")
	}
	if c.CacheSimilarityThreshold <= 0 || c.CacheSimilarityThreshold > 1 {
		return fmt.Errorf("config: cache_similarity_threshold must be in (0, 1]")
	}
	switch c.SnapshotBackend {
	case "badger", "memory":
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.SnapshotBackend)
	}
	return nil
}
