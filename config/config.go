// Package config loads the pipeline's TOML configuration.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-pipeline/stage"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains HTTP listener configuration.
type Server struct {
	Bind           string   `toml:"bind"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Database contains store configuration. ":memory:" keeps everything in process.
type Database struct {
	Path string `toml:"path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Mode  string `toml:"mode"`  // development or production
	Level string `toml:"level"` // zap level name
}

// Reconciliation controls the periodic delay reconciliation.
type Reconciliation struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"` // Go duration string, e.g. "1h"

	interval time.Duration
}

// Pipeline contains the pipeline vocabularies.
type Pipeline struct {
	DefaultStage string   `toml:"default_stage"` // empty = first stage in the table
	Regions      []string `toml:"regions"`
	Products     []string `toml:"products"`
	ClientTypes  []string `toml:"client_types"`
}

// Stage is one [[stages]] entry. Declared order is workflow order.
type Stage struct {
	Name              string  `toml:"name"`
	CompletionPercent float64 `toml:"completion_percent"`
	MaxDays           float64 `toml:"max_days"`
	DelayMessage      string  `toml:"delay_message"`
}

// Config encapsulates all configuration values for the pipeline service.
//
// Configuration sections:
//   - Server: bind address and CORS origins
//   - Database: SQLite path
//   - Logging: zap mode and level
//   - Reconciliation: scheduler switch and interval
//   - Pipeline: default stage and vocabularies
//   - Stages: stage policy table; empty means the built-in table
type Config struct {
	Server         Server         `toml:"server"`
	Database       Database       `toml:"database"`
	Logging        Logging        `toml:"logging"`
	Reconciliation Reconciliation `toml:"reconciliation"`
	Pipeline       Pipeline       `toml:"pipeline"`
	Stages         []Stage        `toml:"stages"`

	table *stage.Table
}

// Load parses and validates a configuration file. A missing file yields the
// defaults; an empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes TOML text on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StageTable returns the validated stage policy table.
func (c *Config) StageTable() *stage.Table {
	if c.table == nil {
		return stage.Default()
	}
	return c.table
}

// ReconcileInterval returns the parsed reconciliation interval.
func (c *Config) ReconcileInterval() time.Duration {
	if c.Reconciliation.interval <= 0 {
		return defaultReconcileInterval
	}
	return c.Reconciliation.interval
}

// DefaultStage returns the configured default stage, or the table's first stage.
func (c *Config) DefaultStage() string {
	if c.Pipeline.DefaultStage != "" {
		return c.Pipeline.DefaultStage
	}
	return c.StageTable().First()
}

func (c *Config) policies() []stage.Policy {
	out := make([]stage.Policy, 0, len(c.Stages))
	for _, s := range c.Stages {
		out = append(out, stage.Policy{
			Name:              s.Name,
			CompletionPercent: decimal.NewFromFloat(s.CompletionPercent),
			MaxDays:           decimal.NewFromFloat(s.MaxDays),
			DelayMessage:      s.DelayMessage,
		})
	}
	return out
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Sample returns the embedded sample configuration.
func Sample() string { return sampleConfig }
