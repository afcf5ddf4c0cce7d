// Package config reads the shared engine configuration. One YAML file
// feeds pager tuning, the maintenance schedule, and the estimator's
// file-to-memory transfer rate; every field has a default so a missing
// file is not an error.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the shared configuration source.
type Config struct {
	// PageSize is the page size in bytes for newly created files.
	PageSize int `yaml:"page_size"`

	// CachePages is the buffer-pool capacity per paged file.
	CachePages int `yaml:"cache_pages"`

	// TransferRateMBPerSec is the assumed file-to-memory transfer rate
	// used by the cost estimator.
	TransferRateMBPerSec float64 `yaml:"transfer_rate_mb_per_sec"`

	// CheckpointSpec is the cron expression driving periodic checkpoints;
	// empty disables the schedule.
	CheckpointSpec string `yaml:"checkpoint_spec"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PageSize:             8192,
		CachePages:           1024,
		TransferRateMBPerSec: 130,
	}
}

// Load reads a YAML configuration file. A missing file yields the
// defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.PageSize <= 0 {
		c.PageSize = Default().PageSize
	}
	if c.CachePages <= 0 {
		c.CachePages = Default().CachePages
	}
	if c.TransferRateMBPerSec <= 0 {
		c.TransferRateMBPerSec = Default().TransferRateMBPerSec
	}
	return c, nil
}

// BytesPerSecond returns the transfer rate in bytes per second.
func (c *Config) BytesPerSecond() float64 {
	return c.TransferRateMBPerSec * 1024 * 1024
}
