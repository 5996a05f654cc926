package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/warp/loan-pipeline/config"
	"github.com/warp/loan-pipeline/logger"
	"github.com/warp/loan-pipeline/pipeline"
	"github.com/warp/loan-pipeline/store/sqlite"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

// app is the wired object graph shared by the subcommands.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	store      *sqlite.Store
	service    *pipeline.Service
	metrics    *pipeline.Aggregator
	reconciler *pipeline.Reconciler
}

func (c *commandContext) openApp() (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open store %s: %w", cfg.Database.Path, err)
	}

	table := cfg.StageTable()
	svc, err := pipeline.NewService(store, table,
		pipeline.WithDefaultStage(cfg.DefaultStage()),
		pipeline.WithLogger(log),
		pipeline.WithVocabulary(pipeline.Vocabulary{
			Regions:     cfg.Pipeline.Regions,
			Products:    cfg.Pipeline.Products,
			ClientTypes: cfg.Pipeline.ClientTypes,
		}),
	)
	if err != nil {
		store.Close()
		log.Sync()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		service: svc,
		metrics: pipeline.NewAggregator(store, table, log),
		reconciler: pipeline.NewReconciler(store, table,
			pipeline.WithRunLog(store),
			pipeline.WithReconcilerLogger(log),
		),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store failed", "error", err)
	}
	a.log.Sync()
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
