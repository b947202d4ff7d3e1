// Package jobmodel defines the Job record shared by the intake service,
// the job store, and the dispatcher. There is exactly one representation
// of a job: no separate request/row/response types.
package jobmodel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job (invariant I1: a job leaves
// QUEUED at most once, enforced by the job store's serialized claim).
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// ErrorCode is the short machine-readable taxonomy token stored alongside
// a free-text ErrorMessage and echoed verbatim in API error responses.
// Values are fixed by the service's error contract; do not rename.
type ErrorCode string

const (
	ErrCodeNone ErrorCode = ""

	// Intake surface.
	ErrCodeInvalidRequest ErrorCode = "invalid_request"
	ErrCodeUploadTooLarge ErrorCode = "upload_too_large"
	ErrCodeQueueFull      ErrorCode = "queue_full"

	// Archive (C1).
	ErrCodeInvalidZip          ErrorCode = "invalid_zip"
	ErrCodeMissingWorkflowRoot ErrorCode = "missing_workflow_root"
	ErrCodeZipTooManyFiles     ErrorCode = "zip_too_many_files"
	ErrCodeZipPathUnsafe       ErrorCode = "zip_path_unsafe"
	ErrCodeZipEncrypted        ErrorCode = "zip_encrypted"
	ErrCodeZipSymlink          ErrorCode = "zip_symlink"
	ErrCodeZipPathTooDeep      ErrorCode = "zip_path_too_deep"
	ErrCodeZipEntryTooLarge    ErrorCode = "zip_entry_too_large"
	ErrCodeZipBomb             ErrorCode = "zip_bomb"
	ErrCodeZipPathTraversal    ErrorCode = "zip_path_traversal"

	// Content.
	ErrCodeInvalidXML ErrorCode = "invalid_xml"

	// Execution (container).
	ErrCodeImagePullFailed ErrorCode = "image_pull_failed"
	ErrCodeRunnerFailed    ErrorCode = "runner_failed"

	// Execution (orchestrator).
	ErrCodeK8sSubmitFailed ErrorCode = "k8s_submit_failed"
	ErrCodeK8sJobFailed    ErrorCode = "k8s_job_failed"

	// Data / fallback.
	ErrCodeInputMissing   ErrorCode = "input_missing"
	ErrCodeGeneralFailure ErrorCode = "general_failure"
)

// Job is the single persisted record for one submitted workflow bundle.
// Field names follow spec.md §3; BackendNamespace is the one field
// SPEC_FULL.md §3 adds on top of the original Job model (the orchestrator
// backend needs a namespace alongside backend_ref).
type Job struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     Status     `json:"status"`

	OriginalFilename string `json:"original_filename"`
	InputKey         string `json:"input_key"`
	InputSize        int64  `json:"input_size"`
	InputSHA256      string `json:"input_sha256"`

	BackendNamespace string `json:"backend_namespace,omitempty"`
	BackendRef       string `json:"backend_ref,omitempty"`

	ResultKey  string `json:"result_key,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`

	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// SettingsMeta is a JobSettingsMeta child row: one <entry> catalog entry
// derived from a single settings.xml inside the parent job's archive.
// Field lengths are capped at 512 per spec.md §3.
type SettingsMeta struct {
	JobID    string `json:"job_id"`
	FileName string `json:"file_name"`
	Factory  string `json:"factory,omitempty"`
	NodeName string `json:"node_name,omitempty"`
	Name     string `json:"name,omitempty"`
}

const maxSettingsFieldLen = 512

// ClampSettingsField truncates a JobSettingsMeta field to the 512-char cap.
func ClampSettingsField(s string) string {
	if len(s) <= maxSettingsFieldLen {
		return s
	}
	return s[:maxSettingsFieldLen]
}

// New creates a queued Job for a freshly accepted upload.
func New(originalFilename string) *Job {
	return &Job{
		ID:               uuid.New().String(),
		CreatedAt:        time.Now(),
		Status:           StatusQueued,
		OriginalFilename: originalFilename,
	}
}

// IsTerminal reports whether the job has reached a final status (I1).
func (j *Job) IsTerminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Validate enforces the structural invariants expected of a persisted Job (I2-I5).
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Status == "" {
		return fmt.Errorf("job status is required")
	}
	if j.Status != StatusQueued && j.InputKey == "" {
		return fmt.Errorf("job %s: input_key required once past queued", j.ID)
	}
	if j.IsTerminal() && j.FinishedAt == nil {
		return fmt.Errorf("job %s: terminal status %s requires finished_at", j.ID, j.Status)
	}
	if j.Status != StatusQueued && j.StartedAt == nil && j.Status != StatusFailed {
		return fmt.Errorf("job %s: status %s requires started_at", j.ID, j.Status)
	}
	return nil
}
