// Package layout centralizes the on-disk/storage-key path rules of
// spec.md §6.2 so the intake service, dispatcher, and HTTP API agree on
// where a job's input archive and result artifacts live without each
// re-deriving the convention independently.
package layout

import (
	"path"
	"path/filepath"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
)

// InputPath returns the host filesystem path to a job's persisted input
// archive: <jobsDir>/<id>/<safe-stem>.zip, where jobsDir already plays
// the role of spec.md's `<JOB_STORAGE>/jobs`.
func InputPath(jobsDir string, job *jobmodel.Job) string {
	return filepath.Join(jobsDir, job.ID, path.Base(job.InputKey))
}

// OutDir returns the host filesystem directory a backend writes
// stdout.log/stderr.log/artifacts into: <resultsDir>/<id>, where
// resultsDir plays the role of spec.md's `<RESULT_STORAGE>/jobs`.
func OutDir(resultsDir string, job *jobmodel.Job) string {
	return filepath.Join(resultsDir, job.ID)
}

// ResultKey returns the storage-relative key spec.md §3 assigns a
// succeeded job: "jobs/<id>/".
func ResultKey(job *jobmodel.Job) string {
	return "jobs/" + job.ID + "/"
}
