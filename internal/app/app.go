// Package app wires together the dependencies the HTTP API process needs:
// configuration, logger, the durable job store, the intake pipeline, and
// metrics. Grounded on the teacher's internal/app/app.go dependency-
// injection shape, narrowed from the teacher's many crawler/chat/search
// services to the handful this service's boundary layer actually touches.
package app

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/k2pweb/internal/archive"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/intake"
	"github.com/ternarybob/k2pweb/internal/jobstore"
	"github.com/ternarybob/k2pweb/internal/metrics"
)

// App holds the dependencies the HTTP API server needs.
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Store   *jobstore.Store
	Intake  *intake.Service
	Metrics *metrics.Metrics
}

// New opens the job store and constructs the intake pipeline against it.
// Callers must call Close when done.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	store, err := jobstore.Open(logger, jobstore.Config{
		BadgerPath:     cfg.Storage.BadgerPath,
		ResetOnStartup: cfg.Storage.ResetOnStartup,
	})
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}

	m := metrics.New()

	intakeSvc := intake.New(store, intake.Config{
		MaxUploadBytes: cfg.Intake.MaxUploadBytes,
		MaxQueuedJobs:  cfg.Intake.MaxQueuedJobs,
		JobsDir:        cfg.Storage.JobsDir,
		Limits: limitsFromConfig(cfg),
	}, logger, m)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Intake:  intakeSvc,
		Metrics: m,
	}, nil
}

// Close releases the underlying job store.
func (a *App) Close() error {
	return a.Store.Close()
}

func limitsFromConfig(cfg *common.Config) archive.Limits {
	return archive.Limits{
		MaxFiles:         cfg.Intake.MaxZipFiles,
		MaxPathDepth:     cfg.Intake.MaxZipPathDepth,
		MaxUnpackedBytes: cfg.Intake.MaxUnpackedBytes,
		MaxFileBytes:     cfg.Intake.MaxFileBytes,
	}
}
