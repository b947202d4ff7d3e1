// jobs_handler.go implements the spec.md §6.1 HTTP API: POST /jobs,
// GET /jobs/{id}, GET /jobs/{id}/logs, GET /jobs/{id}/result.zip.
// Grounded on the teacher's internal/handlers job-route patterns
// (path-suffix routing via route_helpers.go, JSON envelopes), narrowed
// to this service's four endpoints.
package server

import (
	"archive/zip"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/k2pweb/internal/intake"
	"github.com/ternarybob/k2pweb/internal/jobmodel"
	"github.com/ternarybob/k2pweb/internal/layout"
)

// errorResponse mirrors spec.md §6's error payload shape:
// {"error": {"code": <tag>, "message": <text>, "details": <object?>}}.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code jobmodel.ErrorCode, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: string(code), Message: message}})
}

// handleJobsCollection routes the /jobs collection endpoint: POST only.
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.createJob(w, r)
}

// createJob implements POST /jobs: multipart upload with field "bundle".
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("bundle")
	if err != nil {
		writeError(w, http.StatusBadRequest, jobmodel.ErrCodeInvalidRequest, "missing multipart field \"bundle\"")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	job, err := s.app.Intake.CreateJob(header.Filename, contentType, file)
	if err != nil {
		if ierr, ok := err.(*intake.Error); ok {
			writeError(w, ierr.HTTPStatus, ierr.Code, ierr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, jobmodel.ErrCodeGeneralFailure, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// handleJobRoutes routes everything under /jobs/, matching the teacher's
// path-suffix routing convention in route_helpers.go.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/jobs/")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}

	parts := strings.SplitN(trimmed, "/", 2)
	id := parts[0]

	if len(parts) == 1 {
		s.getJob(w, r, id)
		return
	}

	switch parts[1] {
	case "logs":
		s.getJobLogs(w, r, id)
	case "result.zip":
		s.getJobResultZip(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) lookupJob(w http.ResponseWriter, id string) *jobmodel.Job {
	job, err := s.app.Store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jobmodel.ErrCodeGeneralFailure, err.Error())
		return nil
	}
	if job == nil {
		writeError(w, http.StatusNotFound, jobmodel.ErrorCode("not_found"), "job not found")
		return nil
	}
	return job
}

// getJob implements GET /jobs/{id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job := s.lookupJob(w, id)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobLogsResponse struct {
	ID         string          `json:"id"`
	Status     jobmodel.Status `json:"status"`
	StdoutTail string          `json:"stdout_tail"`
	StderrTail string          `json:"stderr_tail"`
}

// getJobLogs implements GET /jobs/{id}/logs.
func (s *Server) getJobLogs(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job := s.lookupJob(w, id)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, jobLogsResponse{
		ID:         job.ID,
		Status:     job.Status,
		StdoutTail: job.StdoutTail,
		StderrTail: job.StderrTail,
	})
}

// getJobResultZip implements GET /jobs/{id}/result.zip: streams a fresh
// ZIP of the job's result directory (stdout.log, stderr.log, artifacts),
// rejecting jobs that haven't SUCCEEDED, per spec.md §6.1's status table.
func (s *Server) getJobResultZip(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job := s.lookupJob(w, id)
	if job == nil {
		return
	}
	if job.Status != jobmodel.StatusSucceeded {
		writeError(w, http.StatusConflict, jobmodel.ErrorCode("job_not_ready"), "job has not succeeded")
		return
	}

	resultDir := layout.OutDir(s.app.Config.Storage.ResultsDir, job)
	resultDirAbs, err := filepath.Abs(resultDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jobmodel.ErrCodeGeneralFailure, err.Error())
		return
	}
	if _, err := os.Stat(resultDirAbs); err != nil {
		writeError(w, http.StatusInternalServerError, jobmodel.ErrorCode("missing_results"), "result directory missing")
		return
	}

	// job.ID is a generated UUID so resultDirAbs can't plausibly escape the
	// configured results root, but spec.md §9 requires the proof before any
	// file I/O regardless of how the path was derived, so confirm it here.
	resultsRootAbs, err := filepath.Abs(s.app.Config.Storage.ResultsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jobmodel.ErrCodeGeneralFailure, err.Error())
		return
	}
	resultDirReal, err := filepath.EvalSymlinks(resultDirAbs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jobmodel.ErrorCode("missing_results"), "result directory missing")
		return
	}
	resultsRootReal, err := filepath.EvalSymlinks(resultsRootAbs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jobmodel.ErrCodeGeneralFailure, err.Error())
		return
	}
	rel, err := filepath.Rel(resultsRootReal, resultDirReal)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeError(w, http.StatusInternalServerError, jobmodel.ErrCodeGeneralFailure, "result path escapes results root")
		return
	}
	resultDirAbs = resultDirReal

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+job.ID+"-result.zip\"")

	zw := zip.NewWriter(w)
	defer zw.Close()

	err = filepath.Walk(resultDirAbs, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(resultDirAbs, p)
		if err != nil {
			return err
		}
		if strings.HasPrefix(rel, "..") {
			return nil // defensive: never allow a walk result to escape resultDirAbs
		}
		entryWriter, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entryWriter, src)
		return err
	})
	if err != nil {
		s.app.Logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to stream result zip")
	}
}
