package jobstore

import (
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
)

// Create persists a new Job, keyed by its ID. Mirrors the teacher's
// JobStorage.SaveJob, narrowed to insert-only (intake always creates a
// fresh ID via jobmodel.New).
func (s *Store) Create(job *jobmodel.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := s.db.Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// Get fetches one Job by ID.
func (s *Store) Get(id string) (*jobmodel.Job, error) {
	var job jobmodel.Job
	if err := s.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

// Update overwrites the stored Job record in full. Callers read-modify-write
// via Get then Update; the dispatcher's own claim/reconcile paths use
// ClaimNextQueued and the Tx-free Update below since each tick only ever
// touches one job at a time and no other writer races a RUNNING/terminal
// transition for that job (I1's exclusivity is enforced at claim time).
func (s *Store) Update(job *jobmodel.Job) error {
	if err := s.db.Update(job.ID, job); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// Delete removes a Job and cascades to its JobSettingsMeta rows,
// matching spec.md §3's "parent deletion removes all" ownership rule.
// Idempotent, following the teacher's DeleteJob convention.
func (s *Store) Delete(id string) error {
	if err := s.DeleteSettingsMetaForJob(id); err != nil {
		return err
	}
	if err := s.db.Delete(id, &jobmodel.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// CountByStatus counts jobs in a given status, used by the intake
// service's admission check (count_by_status({QUEUED,RUNNING})).
func (s *Store) CountByStatus(statuses ...jobmodel.Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	vals := make([]interface{}, len(statuses))
	for i, st := range statuses {
		vals[i] = st
	}
	n, err := s.db.Count(&jobmodel.Job{}, badgerhold.Where("Status").In(vals...))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	return int(n), nil
}

// ListRunningWithBackendRef returns every RUNNING job that has a
// non-empty BackendRef, i.e. jobs the orchestrator backend has already
// submitted and the dispatcher's reconcile-running phase must poll.
func (s *Store) ListRunningWithBackendRef() ([]*jobmodel.Job, error) {
	var jobs []jobmodel.Job
	query := badgerhold.Where("Status").Eq(jobmodel.StatusRunning).And("BackendRef").Ne("")
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	result := make([]*jobmodel.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// ClaimNextQueued atomically transitions the oldest QUEUED job to
// RUNNING and returns it, or (nil, nil) if the queue is empty. See
// store.go's Store doc comment for why cross-process exclusivity comes
// from Badger's directory lock rather than a database-level CAS here.
func (s *Store) ClaimNextQueued() (*jobmodel.Job, error) {
	s.claimLock.Lock()
	defer s.claimLock.Unlock()

	var candidates []jobmodel.Job
	query := badgerhold.Where("Status").Eq(jobmodel.StatusQueued).SortBy("CreatedAt").Limit(1)
	if err := s.db.Find(&candidates, query); err != nil {
		return nil, fmt.Errorf("failed to find queued jobs: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	job := candidates[0]
	now := time.Now()
	job.Status = jobmodel.StatusRunning
	job.StartedAt = &now

	if err := s.db.Update(job.ID, &job); err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	return &job, nil
}

// GetStaleRunning returns RUNNING jobs whose started_at is older than
// the given threshold, for the dispatcher's stale-job detection.
func (s *Store) GetStaleRunning(olderThan time.Time) ([]*jobmodel.Job, error) {
	var jobs []jobmodel.Job
	query := badgerhold.Where("Status").Eq(jobmodel.StatusRunning).And("StartedAt").Lt(olderThan)
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}
	result := make([]*jobmodel.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
