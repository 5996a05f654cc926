package config

import "time"

const (
	defaultBind              = "127.0.0.1:8080"
	defaultDatabasePath      = "pipeline.db"
	defaultLogMode           = "development"
	defaultLogLevel          = "info"
	defaultReconcileEnabled  = true
	defaultReconcileInterval = time.Hour

	// EnvDatabasePath overrides [database] path when set.
	EnvDatabasePath = "PIPELINE_DB_PATH"
)

// Default returns a Config populated with repository defaults. Stages are
// left empty so the built-in table applies.
func Default() Config {
	return Config{
		Server: Server{
			Bind: defaultBind,
		},
		Database: Database{
			Path: defaultDatabasePath,
		},
		Logging: Logging{
			Mode:  defaultLogMode,
			Level: defaultLogLevel,
		},
		Reconciliation: Reconciliation{
			Enabled:  defaultReconcileEnabled,
			Interval: defaultReconcileInterval.String(),
		},
	}
}
