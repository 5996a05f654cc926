package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/warp/loan-pipeline/stage"
)

func (c *Config) normalize() error {
	if v, ok := os.LookupEnv(EnvDatabasePath); ok && strings.TrimSpace(v) != "" {
		c.Database.Path = strings.TrimSpace(v)
	}
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	c.Logging.Mode = strings.ToLower(strings.TrimSpace(c.Logging.Mode))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Pipeline.DefaultStage = strings.TrimSpace(c.Pipeline.DefaultStage)
	c.Pipeline.Regions = trimAll(c.Pipeline.Regions)
	c.Pipeline.Products = trimAll(c.Pipeline.Products)
	c.Pipeline.ClientTypes = trimAll(c.Pipeline.ClientTypes)
	c.Server.AllowedOrigins = trimAll(c.Server.AllowedOrigins)
	for i := range c.Stages {
		c.Stages[i].Name = strings.TrimSpace(c.Stages[i].Name)
	}

	interval := strings.TrimSpace(c.Reconciliation.Interval)
	if interval == "" {
		c.Reconciliation.interval = defaultReconcileInterval
		c.Reconciliation.Interval = defaultReconcileInterval.String()
		return nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil {
		return fmt.Errorf("reconciliation.interval: %w", err)
	}
	c.Reconciliation.interval = d
	return nil
}

// Validate ensures the configuration is usable and builds the stage table.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return errors.New("server.bind must be set")
	}
	if c.Database.Path == "" {
		return errors.New("database.path must be set")
	}
	switch c.Logging.Mode {
	case "development", "dev", "production", "prod":
	default:
		return fmt.Errorf("logging.mode: unsupported value %q", c.Logging.Mode)
	}
	if c.Reconciliation.interval <= 0 {
		return errors.New("reconciliation.interval must be positive")
	}
	return c.validateStages()
}

func (c *Config) validateStages() error {
	table := stage.Default()
	if len(c.Stages) > 0 {
		t, err := stage.NewTable(c.policies())
		if err != nil {
			return fmt.Errorf("stages: %w", err)
		}
		table = t
	}
	if c.Pipeline.DefaultStage != "" && !table.Has(c.Pipeline.DefaultStage) {
		return fmt.Errorf("pipeline.default_stage %q is not a declared stage", c.Pipeline.DefaultStage)
	}
	c.table = table
	return nil
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
