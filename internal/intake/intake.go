// Package intake implements component C4: the admission-control and
// persist-to-storage pipeline a submitted bundle goes through before it
// is queued for execution. Grounded on the teacher's internal/jobs/service.go
// request-validation-then-persist shape, generalized from crawl-job
// requests to ZIP-bundle uploads.
package intake

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/k2pweb/internal/archive"
	"github.com/ternarybob/k2pweb/internal/archive/manifest"
	"github.com/ternarybob/k2pweb/internal/jobmodel"
	"github.com/ternarybob/k2pweb/internal/jobstore"
	"github.com/ternarybob/k2pweb/internal/metrics"
)

// maxOriginalFilenameLen is the cap spec.md §3 places on Job.OriginalFilename.
const maxOriginalFilenameLen = 255

// allowedContentTypes is the content-type allow-list of spec.md §4.4 step 2.
var allowedContentTypes = map[string]bool{
	"":                             true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"multipart/x-zip":              true,
	"application/octet-stream":     true,
}

// Error is a rejected-intake error: the HTTP status and error_code the
// boundary layer should surface, per spec.md §6's error payload shape.
type Error struct {
	Code       jobmodel.ErrorCode
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code jobmodel.ErrorCode, status int, format string, args ...any) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: fmt.Sprintf(format, args...)}
}

// Config bounds what the intake pipeline will accept, loaded from
// common.IntakeConfig plus common.StorageConfig.JobsDir.
type Config struct {
	MaxUploadBytes int64
	MaxQueuedJobs  int
	Limits         archive.Limits
	JobsDir        string
}

// Service is component C4.
type Service struct {
	store   *jobstore.Store
	cfg     Config
	logger  arbor.ILogger
	metrics *metrics.Metrics
}

// New constructs the intake service.
func New(store *jobstore.Store, cfg Config, logger arbor.ILogger, m *metrics.Metrics) *Service {
	return &Service{store: store, cfg: cfg, logger: logger, metrics: m}
}

// CreateJob runs the full spec.md §4.4 pipeline against one uploaded
// bundle. body is read once, up to MaxUploadBytes+1 bytes; the size checked
// against the cap (and stored as InputSize) is the number of bytes read.
func (s *Service) CreateJob(originalFilename, contentType string, body io.Reader) (*jobmodel.Job, error) {
	// 1. Admission.
	inFlight, err := s.store.CountByStatus(jobmodel.StatusQueued, jobmodel.StatusRunning)
	if err != nil {
		return nil, newError(jobmodel.ErrCodeGeneralFailure, 500, "checking queue depth: %v", err)
	}
	if s.cfg.MaxQueuedJobs >= 0 && inFlight >= s.cfg.MaxQueuedJobs {
		s.bumpRejected("queue_full")
		return nil, newError(jobmodel.ErrCodeQueueFull, 429, "queue is at capacity (%d)", s.cfg.MaxQueuedJobs)
	}

	// 2. Surface validation.
	if !strings.HasSuffix(strings.ToLower(originalFilename), ".zip") {
		s.bumpRejected("invalid_request")
		return nil, newError(jobmodel.ErrCodeInvalidRequest, 400, "filename %q must end in .zip", originalFilename)
	}
	normalizedCT := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if !allowedContentTypes[normalizedCT] {
		s.bumpRejected("invalid_request")
		return nil, newError(jobmodel.ErrCodeInvalidRequest, 400, "unsupported content-type %q", contentType)
	}

	// 3. Create record.
	job := jobmodel.New(truncate(originalFilename, maxOriginalFilenameLen))
	if err := s.store.Create(job); err != nil {
		return nil, newError(jobmodel.ErrCodeGeneralFailure, 500, "creating job record: %v", err)
	}
	if s.metrics != nil {
		s.metrics.JobCreatedTotal.Inc()
	}

	data, readErr := io.ReadAll(io.LimitReader(body, s.cfg.MaxUploadBytes+1))
	job.InputSize = int64(len(data))

	// 4. Size cap.
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return job, s.fail(job, jobmodel.ErrCodeUploadTooLarge, 413,
			"upload of %d bytes exceeds the %d byte cap", len(data), s.cfg.MaxUploadBytes)
	}
	if readErr != nil {
		return job, s.fail(job, jobmodel.ErrCodeGeneralFailure, 500, "reading upload body: %v", readErr)
	}

	// 5. ZIP structural validation (first pass).
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return job, s.fail(job, jobmodel.ErrCodeInvalidZip, 400, "not a valid zip archive: %v", err)
	}
	if err := archive.Validate(zr, s.cfg.Limits); err != nil {
		return job, s.failFromArchiveErr(job, err)
	}
	if !hasWorkflowRoot(zr) {
		return job, s.fail(job, jobmodel.ErrCodeMissingWorkflowRoot, 400, "archive has no top-level workflow.knime")
	}

	// 6. Persist.
	stem := safeStem(originalFilename)
	inputKey := path.Join("jobs", job.ID, stem+".zip")
	destPath := filepath.Join(s.cfg.JobsDir, job.ID, stem+".zip")
	sum, err := persist(destPath, data)
	if err != nil {
		return job, s.fail(job, jobmodel.ErrCodeGeneralFailure, 500, "persisting archive: %v", err)
	}

	// 7. XML well-formedness pass (over the same bytes just persisted).
	if err := validateXMLWellFormed(zr); err != nil {
		os.Remove(destPath)
		return job, s.fail(job, jobmodel.ErrCodeInvalidXML, 400, "%v", err)
	}

	// 8. Metadata derivation.
	if err := s.deriveMetadata(job.ID, zr); err != nil {
		os.Remove(destPath)
		return job, s.fail(job, jobmodel.ErrCodeGeneralFailure, 500, "deriving metadata: %v", err)
	}

	// 9. Finalize.
	job.InputKey = inputKey
	job.InputSHA256 = sum
	if err := s.store.Update(job); err != nil {
		return job, s.fail(job, jobmodel.ErrCodeGeneralFailure, 500, "finalizing job: %v", err)
	}

	s.logger.Info().Str("job_id", job.ID).Str("input_key", inputKey).Int64("size", job.InputSize).
		Msg("Job accepted into queue")
	return job, nil
}

func (s *Service) bumpRejected(reason string) {
	if s.metrics != nil {
		s.metrics.EnqueueRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// fail stamps job FAILED with the given error_code and returns the
// boundary-facing *Error, matching spec.md §7's "Intake errors are
// recovered locally" propagation policy.
func (s *Service) fail(job *jobmodel.Job, code jobmodel.ErrorCode, status int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	now := time.Now()
	job.Status = jobmodel.StatusFailed
	job.FinishedAt = &now
	job.ErrorCode = code
	job.ErrorMessage = truncate(msg, 4000)
	if err := s.store.Update(job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist failed job state")
	}
	if s.metrics != nil {
		s.metrics.JobFinishedTotal.WithLabelValues(string(jobmodel.StatusFailed)).Inc()
		s.metrics.ErrorTotal.WithLabelValues(string(code)).Inc()
	}
	s.logger.Warn().Str("job_id", job.ID).Str("error_code", string(code)).Msg(msg)
	return newError(code, status, "%s", msg)
}

func (s *Service) failFromArchiveErr(job *jobmodel.Job, err error) error {
	var ve *archive.ValidationError
	if v, ok := err.(*archive.ValidationError); ok {
		ve = v
	}
	if ve == nil {
		return s.fail(job, jobmodel.ErrCodeInvalidZip, 400, "%v", err)
	}
	return s.fail(job, jobmodel.ErrorCode(ve.Reason), 400, "%v", ve)
}

func (s *Service) deriveMetadata(jobID string, zr *zip.Reader) error {
	for _, f := range zr.File {
		if !manifest.IsSettingsFile(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", f.Name, err)
		}
		entries := manifest.ExtractFromSettings(f.Name, rc)
		rc.Close()

		for _, e := range entries {
			meta := jobmodel.SettingsMeta{
				JobID:    jobID,
				FileName: jobmodel.ClampSettingsField(truncate(e.Path, 512)),
			}
			if e.Factory != nil {
				meta.Factory = jobmodel.ClampSettingsField(*e.Factory)
			}
			if e.NodeName != nil {
				meta.NodeName = jobmodel.ClampSettingsField(*e.NodeName)
			}
			if e.Name != nil {
				meta.Name = jobmodel.ClampSettingsField(*e.Name)
			}
			if err := s.store.CreateSettingsMeta(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// hasWorkflowRoot reports whether the archive contains a top-level entry
// named exactly "workflow.knime" (case-insensitive, no leading directory).
func hasWorkflowRoot(zr *zip.Reader) bool {
	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		name = strings.TrimPrefix(name, "./")
		if strings.Contains(name, "/") {
			continue
		}
		if strings.EqualFold(name, "workflow.knime") {
			return true
		}
	}
	return false
}

// validateXMLWellFormed parses every non-housekeeping *.xml / workflow.knime
// entry and rejects on the first parse error, naming the offending entry
// per spec.md §4.4 step 7. Unlike the tolerant manifest extractor, this
// pass enforces strict well-formedness.
func validateXMLWellFormed(zr *zip.Reader) error {
	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		name = strings.TrimPrefix(name, "./")
		if isHousekeeping(name) {
			continue
		}
		base := path.Base(name)
		if !strings.HasSuffix(strings.ToLower(base), ".xml") && !strings.EqualFold(base, "workflow.knime") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
		err = wellFormed(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("invalid XML in %s: %w", name, err)
		}
	}
	return nil
}

func wellFormed(r io.Reader) error {
	dec := xml.NewDecoder(io.LimitReader(r, manifest.MaxSettingsBytes))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isHousekeeping(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return true
	}
	return strings.HasPrefix(path.Base(name), "._")
}

func persist(destPath string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", err
	}
	h := sha256.New()
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(io.MultiWriter(f, h), bytes.NewReader(data)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
