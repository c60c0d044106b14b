package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the operator-facing YAML configuration consumed by the CLI.
// Absent fields keep their defaults; an absent file is not an error.
type FileConfig struct {
	StorageType             string `yaml:"storage_type,omitempty"`
	DataDir                 string `yaml:"data_dir,omitempty"`
	AutoSaveIntervalSeconds int    `yaml:"auto_save_interval_seconds,omitempty"`
	CompressionEnabled      *bool  `yaml:"compression_enabled,omitempty"`
	MaxSessions             int    `yaml:"max_sessions,omitempty"`
	MaxAgeDays              int    `yaml:"max_age_days,omitempty"`
	MaxStorageSizeMB        int64  `yaml:"max_storage_size_mb,omitempty"`
}

// LoadFileConfig reads a YAML config file. A missing file yields an empty
// config so every default applies.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &FileConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// Options converts the file config into persistence service options,
// applying defaults for everything left unset.
func (c *FileConfig) Options() Options {
	opts := DefaultOptions()
	if c.StorageType != "" {
		opts.StorageType = c.StorageType
	}
	if c.DataDir != "" {
		opts.Path = c.DataDir
	}
	if c.AutoSaveIntervalSeconds > 0 {
		opts.AutoSaveInterval = time.Duration(c.AutoSaveIntervalSeconds) * time.Second
	}
	if c.CompressionEnabled != nil {
		opts.CompressionEnabled = *c.CompressionEnabled
	}
	if c.MaxSessions > 0 {
		opts.MaxSessions = c.MaxSessions
	}
	if c.MaxAgeDays > 0 {
		opts.MaxAge = time.Duration(c.MaxAgeDays) * 24 * time.Hour
	}
	if c.MaxStorageSizeMB > 0 {
		opts.MaxStorageSize = c.MaxStorageSizeMB * 1024 * 1024
	}
	return opts
}
