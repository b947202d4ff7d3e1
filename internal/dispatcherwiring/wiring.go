// Package dispatcherwiring builds a dispatcher.Supervisor from a
// common.Config, shared by cmd/k2pweb-api (inline mode) and
// cmd/k2pweb-dispatcher (standalone-process mode) so the two entrypoints
// can't drift on backend construction.
package dispatcherwiring

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/dispatcher"
	"github.com/ternarybob/k2pweb/internal/jobmodel"
	"github.com/ternarybob/k2pweb/internal/jobstore"
	"github.com/ternarybob/k2pweb/internal/layout"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/runner"
	"github.com/ternarybob/k2pweb/internal/runner/container"
	"github.com/ternarybob/k2pweb/internal/runner/orchestrator"
)

// resolver implements dispatcher.PathResolver against internal/layout.
type resolver struct {
	jobsDir    string
	resultsDir string
}

func (r resolver) InputPath(job *jobmodel.Job) string { return layout.InputPath(r.jobsDir, job) }
func (r resolver) OutDir(job *jobmodel.Job) string    { return layout.OutDir(r.resultsDir, job) }
func (r resolver) ResultKey(job *jobmodel.Job) string { return layout.ResultKey(job) }

// BuildBackend constructs the runner.Backend selected by
// cfg.Dispatcher.Backend, plus a close function to release it.
func BuildBackend(cfg *common.Config, logger arbor.ILogger) (runner.Backend, func(), error) {
	switch cfg.Dispatcher.Backend {
	case "orchestrator":
		b := orchestrator.New(orchestrator.Config{
			Namespace:       cfg.Orchestrator.Namespace,
			Image:           cfg.Orchestrator.Image,
			KubectlBin:      cfg.Orchestrator.KubectlBin,
			HostJobsRoot:    cfg.Orchestrator.HostJobsRoot,
			HostResultsRoot: cfg.Storage.ResultsDir,
		}, logger)
		return b, func() {}, nil

	case "container", "":
		b, err := container.New(container.Config{
			Socket:          cfg.Container.ContainerdSocket,
			Namespace:       cfg.Container.Namespace,
			Image:           cfg.Container.Image,
			Entrypoint:      cfg.Container.Entrypoint,
			ArgsTemplate:    cfg.Container.ArgsTemplate,
			CPUShares:       cfg.Container.CPUShares,
			CPUQuota:        cfg.Container.CPUQuota,
			CPUPeriod:       cfg.Container.CPUPeriod,
			MemoryBytes:     cfg.Container.MemoryBytes,
			PidsLimit:       cfg.Container.PidsLimit,
			TmpfsSizeBytes:  cfg.Container.TmpfsSizeBytes,
			TimeoutSecs:     cfg.Dispatcher.JobTimeoutSecs,
			HostJobsRoot:    cfg.Container.HostJobsRoot,
			HostResultsRoot: cfg.Container.HostResultsRoot,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown dispatcher.backend %q (want \"container\" or \"orchestrator\")", cfg.Dispatcher.Backend)
	}
}

// BuildSupervisor wires a dispatcher.Supervisor against an already-open
// jobstore.Store (so the caller controls the store's lifecycle).
func BuildSupervisor(store *jobstore.Store, cfg *common.Config, logger arbor.ILogger, m *metrics.Metrics) (*dispatcher.Supervisor, func(), error) {
	backend, closeBackend, err := BuildBackend(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	tickInterval, err := time.ParseDuration(cfg.Dispatcher.TickInterval)
	if err != nil {
		logger.Warn().Err(err).Str("configured", cfg.Dispatcher.TickInterval).Msg("Invalid tick_interval, defaulting to 2s")
		tickInterval = 2 * time.Second
	}

	sup := dispatcher.New(store, backend, resolver{
		jobsDir:    cfg.Storage.JobsDir,
		resultsDir: cfg.Storage.ResultsDir,
	}, dispatcher.Config{
		TickInterval: tickInterval,
		JobTimeout:   time.Duration(cfg.Dispatcher.JobTimeoutSecs) * time.Second,
		StaleAfter:   time.Duration(cfg.Dispatcher.StaleAfterMins) * time.Minute,
	}, logger, m)

	return sup, closeBackend, nil
}
