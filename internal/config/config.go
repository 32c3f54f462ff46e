// Package config loads tiermem settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the full tiermem configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Active      ActiveConfig      `yaml:"active"`
	Consolidate ConsolidateConfig `yaml:"consolidate"`
	Recall      RecallConfig      `yaml:"recall"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

// ActiveConfig bounds the active tier.
type ActiveConfig struct {
	Cap          int `yaml:"cap"`
	ArchiveBatch int `yaml:"archive_batch"`
}

type ConsolidateConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type RecallConfig struct {
	MaxPartitions int     `yaml:"max_partitions"`
	HalfLifeDays  float64 `yaml:"half_life_days"`
}

type ArchiveConfig struct {
	PreviewLen int `yaml:"preview_len"`
}

// MaintenanceConfig holds the cron schedule used by `tiermem serve`.
type MaintenanceConfig struct {
	Schedule string `yaml:"schedule"`
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Active: ActiveConfig{
			Cap:          200,
			ArchiveBatch: 50,
		},
		Consolidate: ConsolidateConfig{Threshold: 0.7},
		Recall: RecallConfig{
			MaxPartitions: 3,
			HalfLifeDays:  30,
		},
		Archive:     ArchiveConfig{PreviewLen: 200},
		Maintenance: MaintenanceConfig{Schedule: "@every 5m"},
		Log:         LogConfig{Level: "info"},
	}
}

// DefaultDataDir is ~/.tiermem.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tiermem")
}

// DefaultPath is the config file looked up when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load reads configuration from path over the defaults. A missing file
// yields the defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("TIERMEM_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if lvl := os.Getenv("TIERMEM_LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
}

// Validate checks ranges and that the maintenance schedule parses.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is empty")
	}
	if c.Active.Cap <= 0 {
		return fmt.Errorf("active.cap must be positive, got %d", c.Active.Cap)
	}
	if c.Active.ArchiveBatch <= 0 || c.Active.ArchiveBatch > c.Active.Cap {
		return fmt.Errorf("active.archive_batch must be in (0, %d], got %d", c.Active.Cap, c.Active.ArchiveBatch)
	}
	if c.Consolidate.Threshold <= 0 || c.Consolidate.Threshold > 1 {
		return fmt.Errorf("consolidate.threshold must be in (0, 1], got %v", c.Consolidate.Threshold)
	}
	if c.Recall.MaxPartitions <= 0 {
		return fmt.Errorf("recall.max_partitions must be positive, got %d", c.Recall.MaxPartitions)
	}
	if c.Recall.HalfLifeDays <= 0 {
		return fmt.Errorf("recall.half_life_days must be positive, got %v", c.Recall.HalfLifeDays)
	}
	if c.Archive.PreviewLen <= 0 {
		return fmt.Errorf("archive.preview_len must be positive, got %d", c.Archive.PreviewLen)
	}
	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("maintenance.schedule %q: %w", c.Maintenance.Schedule, err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ActivePath is the active-tier database.
func (c *Config) ActivePath() string { return filepath.Join(c.DataDir, "active.db") }

// IndexPath is the archive catalog database.
func (c *Config) IndexPath() string { return filepath.Join(c.DataDir, "archive_index.db") }

// ArchiveDir holds the month partitions.
func (c *Config) ArchiveDir() string { return filepath.Join(c.DataDir, "archive") }

// BackupDir holds migration backups.
func (c *Config) BackupDir() string { return filepath.Join(c.DataDir, "backup") }

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
