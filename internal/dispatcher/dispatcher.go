// Package dispatcher implements component C5: a single supervisor
// goroutine that claims the oldest QUEUED job, hands it to a runner.Backend,
// and reconciles any job a non-terminal backend left RUNNING. Grounded on
// the teacher's internal/jobs/worker/job_processor.go for the
// Start/Stop/ctx-cancel/WaitGroup supervisor shape, and on
// original_source/.../k2p_worker.py for the submit_one/reconcile_running
// tick ordering and per-job failure handling.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
	"github.com/ternarybob/k2pweb/internal/jobstore"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/runner"
)

// PathResolver computes the host-visible input path and output directory
// for a claimed job, matching k2p_worker.py's in_host/out_dir derivation
// from JOB_STORAGE_ROOT/RESULT_STORAGE_ROOT.
type PathResolver interface {
	InputPath(job *jobmodel.Job) string
	OutDir(job *jobmodel.Job) string
	ResultKey(job *jobmodel.Job) string
}

// Config controls tick cadence and staleness detection.
type Config struct {
	TickInterval   time.Duration
	JobTimeout     time.Duration
	StaleAfter     time.Duration
}

// Supervisor is component C5: one cooperative ticker loop per process,
// matching spec.md §5's "exactly one in-flight job per dispatcher
// process" concurrency model.
type Supervisor struct {
	store   *jobstore.Store
	backend runner.Backend
	paths   PathResolver
	cfg     Config
	logger  arbor.ILogger
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New constructs a Supervisor. backend is whichever of container.Backend
// or orchestrator.Backend the JOB_RUNNER_BACKEND config selects.
func New(store *jobstore.Store, backend runner.Backend, paths PathResolver, cfg Config, logger arbor.ILogger, m *metrics.Metrics) *Supervisor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:   store,
		backend: backend,
		paths:   paths,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the supervisor loop in a background goroutine. Safe to call
// once; a second call is a no-op, matching JobProcessor.Start's guard.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Dispatcher already running")
		return
	}
	s.running = true
	s.logger.Info().Str("backend", s.backend.Name()).Str("tick_interval", s.cfg.TickInterval.String()).
		Msg("Starting dispatcher")

	s.wg.Add(1)
	go s.run()
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping dispatcher...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Dispatcher stopped")
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.tick()

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick is one submit-then-reconcile pass, matching k2p_worker.py's
// handle() loop body exactly (submit_one then reconcile_running).
func (s *Supervisor) tick() {
	if s.metrics != nil {
		s.metrics.WorkerHeartbeatTimestampSeconds.SetToCurrentTime()
	}

	if err := s.submitOne(); err != nil {
		if s.metrics != nil {
			s.metrics.WorkerErrorsTotal.Inc()
		}
		// A store-level failure here means the dispatcher can no longer
		// trust its view of the queue; log, count, then exit so a process
		// supervisor restarts us, rather than spinning forever against a
		// broken store (SPEC_FULL.md §7 "error isolation").
		s.logger.Fatal().Err(err).Msg("submitOne failed, dispatcher exiting")
	}
	if err := s.reconcileRunning(); err != nil {
		if s.metrics != nil {
			s.metrics.WorkerErrorsTotal.Inc()
		}
		s.logger.Fatal().Err(err).Msg("reconcileRunning failed, dispatcher exiting")
	}
	s.refreshGauges()
}

// submitOne claims the oldest QUEUED job, if any, and starts it on the
// backend. For the container backend this runs the job to completion
// synchronously within the tick (Terminal=true); for the orchestrator
// backend it only submits and returns (Terminal=false, BackendRef set).
func (s *Supervisor) submitOne() error {
	job, err := s.store.ClaimNextQueued()
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	s.logger.Info().Str("job_id", job.ID).Str("backend", s.backend.Name()).Msg("Claimed job")

	in := runner.StartInput{
		JobID:     job.ID,
		InputPath: s.paths.InputPath(job),
		OutDir:    s.paths.OutDir(job),
	}

	if _, err := os.Stat(in.InputPath); err != nil {
		return s.failJob(job, jobmodel.ErrCodeInputMissing, fmt.Sprintf("persisted archive vanished: %v", err))
	}

	start := time.Now()
	outcome, err := s.backend.Start(s.ctx, in)
	if s.metrics != nil {
		s.metrics.BackendStartLatencySeconds.WithLabelValues(s.backend.Name()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.BackendFailuresTotal.WithLabelValues(s.backend.Name()).Inc()
		}
		return s.failJob(job, jobmodel.ErrCodeRunnerFailed, err.Error())
	}

	if !outcome.Terminal {
		job.BackendRef = outcome.BackendRef
		return s.store.Update(job)
	}

	return s.applyOutcome(job, outcome)
}

// reconcileRunning polls the backend for every RUNNING job carrying a
// BackendRef (i.e. every job a non-terminal Start left pending), matching
// k2p_worker.py's reconcile_running.
func (s *Supervisor) reconcileRunning() error {
	running, err := s.store.ListRunningWithBackendRef()
	if err != nil {
		return err
	}

	for _, job := range running {
		outcome, err := s.backend.Poll(s.ctx, job.BackendRef)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Poll failed, will retry next tick")
			continue
		}
		if !outcome.Terminal {
			continue
		}
		if err := s.applyOutcome(job, outcome); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to apply terminal outcome")
		}
	}

	return s.reconcileStale()
}

// reconcileStale fails any RUNNING job whose started_at predates the
// configured staleness window — the dispatcher-process-crashed case
// spec.md §4.5 calls out, since a crashed dispatcher leaves no backend to
// ever report a terminal Outcome for that job. A job with a BackendRef is
// excluded: only a non-terminal (orchestrator) Start stores a BackendRef,
// and such a job is polled every tick by reconcileRunning regardless of
// how long it runs. A container job's Start runs to completion inside
// submitOne, earlier in the same tick, so a RUNNING job with no BackendRef
// is one no tick will ever resolve on its own.
func (s *Supervisor) reconcileStale() error {
	if s.cfg.StaleAfter <= 0 {
		return nil
	}
	stale, err := s.store.GetStaleRunning(time.Now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return err
	}
	for _, job := range stale {
		if job.BackendRef != "" {
			continue
		}
		s.logger.Warn().Str("job_id", job.ID).Msg("Job exceeded stale threshold, marking failed")
		if err := s.failJob(job, jobmodel.ErrCodeRunnerFailed, "job exceeded stale-running threshold"); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail stale job")
		}
	}
	return nil
}

// applyOutcome persists a terminal backend Outcome onto its Job.
func (s *Supervisor) applyOutcome(job *jobmodel.Job, outcome runner.Outcome) error {
	now := time.Now()
	job.Status = outcome.Status
	job.FinishedAt = &now
	job.ExitCode = outcome.ExitCode
	job.StdoutTail = outcome.StdoutTail
	job.StderrTail = outcome.StderrTail
	job.ErrorCode = outcome.ErrorCode
	job.ErrorMessage = outcome.ErrorMessage
	if outcome.Status == jobmodel.StatusSucceeded {
		job.ResultKey = s.paths.ResultKey(job)
	}

	if err := s.store.Update(job); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.JobFinishedTotal.WithLabelValues(string(job.Status)).Inc()
		if job.ExitCode != nil {
			s.metrics.ExitCodeTotal.WithLabelValues(strconv.Itoa(*job.ExitCode)).Inc()
		}
		if job.ErrorCode != jobmodel.ErrCodeNone {
			s.metrics.ErrorTotal.WithLabelValues(string(job.ErrorCode)).Inc()
		}
		if job.StartedAt != nil {
			s.metrics.JobRunSeconds.Observe(now.Sub(*job.StartedAt).Seconds())
			s.metrics.JobQueueWaitSeconds.Observe(job.StartedAt.Sub(job.CreatedAt).Seconds())
		}
		s.metrics.JobDurationSeconds.Observe(now.Sub(job.CreatedAt).Seconds())
		s.metrics.JobEndToEndSeconds.Observe(now.Sub(job.CreatedAt).Seconds())
		s.metrics.LastJobFinishedTimestampSeconds.SetToCurrentTime()
	}

	s.logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job reached terminal state")
	return nil
}

func (s *Supervisor) failJob(job *jobmodel.Job, code jobmodel.ErrorCode, message string) error {
	now := time.Now()
	job.Status = jobmodel.StatusFailed
	job.FinishedAt = &now
	job.ErrorCode = code
	job.ErrorMessage = message
	if err := s.store.Update(job); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobFinishedTotal.WithLabelValues(string(jobmodel.StatusFailed)).Inc()
		s.metrics.ErrorTotal.WithLabelValues(string(code)).Inc()
	}
	return nil
}

func (s *Supervisor) refreshGauges() {
	if s.metrics == nil {
		return
	}
	for _, st := range []jobmodel.Status{jobmodel.StatusQueued, jobmodel.StatusRunning, jobmodel.StatusSucceeded, jobmodel.StatusFailed} {
		n, err := s.store.CountByStatus(st)
		if err != nil {
			continue
		}
		s.metrics.JobsByState.WithLabelValues(string(st)).Set(float64(n))
		if st == jobmodel.StatusQueued {
			s.metrics.JobQueueDepth.Set(float64(n))
		}
	}
}

