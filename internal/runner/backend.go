// Package runner defines the backend capability set the dispatcher (C5)
// drives: start a claimed job's workload and observe its terminal state.
// Two implementations satisfy it — internal/runner/container (C6) and
// internal/runner/orchestrator (C7) — matching SPEC_FULL.md §9's
// "Backend polymorphism" design note: the container backend's Start is
// synchronous and always returns a terminal Outcome; the orchestrator's
// Start returns a non-terminal Outcome carrying a BackendRef, and Poll
// is called later by the dispatcher's reconcile-running phase.
package runner

import (
	"context"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
)

// StartInput is what a backend needs to launch one job's workload.
type StartInput struct {
	JobID     string
	InputPath string // host path to the persisted input archive
	OutDir    string // host path for stdout.log/stderr.log/artifacts
}

// Outcome reports a backend's view of a job after Start or Poll.
// Terminal=false is only ever returned by the orchestrator backend: by
// Start once the submission is accepted, and by Poll while the Job is
// still running or its status could not be read.
type Outcome struct {
	Terminal     bool
	Status       jobmodel.Status // SUCCEEDED or FAILED when Terminal
	ExitCode     *int
	StdoutTail   string
	StderrTail   string
	Artifacts    []string // paths relative to OutDir, populated on success
	ErrorCode    jobmodel.ErrorCode
	ErrorMessage string
	BackendRef   string // the k8s Job name on orchestrator Outcomes; empty for the container backend
}

// Backend is the capability set spec.md §4.5/§4.6/§4.7 calls a "backend":
// something the dispatcher can hand a claimed job to and later ask about.
type Backend interface {
	// Name identifies the backend for metrics labels and log fields.
	Name() string

	// Start launches job's workload. The container backend blocks until
	// the child exits or times out and always returns Terminal=true. The
	// orchestrator backend submits a manifest and returns immediately
	// with Terminal=false and a BackendRef to poll later.
	Start(ctx context.Context, in StartInput) (Outcome, error)

	// Poll observes the backend's current view of a previously started,
	// non-terminal job identified by backendRef. Only ever called for
	// backends whose Start can return Terminal=false.
	Poll(ctx context.Context, backendRef string) (Outcome, error)
}
