// Package orchestrator implements component C7: submitting a claimed
// job's workload as a Kubernetes Job via a shelled-out kubectl, rather
// than a client library. Grounded line-for-line on
// original_source/api/apps/jobs/k8s.py's normalize_job_name,
// render_job_manifest, kubectl_apply_yaml, kubectl_get_job and job_state —
// spec.md §4.7 chooses the kubectl-CLI-shim architecture explicitly, so
// k8s.io/client-go (present nowhere in the retrieved pack) is not used;
// see DESIGN.md.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
	"github.com/ternarybob/k2pweb/internal/runner"
)

// Config mirrors internal/common.OrchestratorRunnerConfig.
type Config struct {
	Namespace  string
	Image      string
	KubectlBin string // defaults to "kubectl"

	ContainerInPath string // in-container mount path for the input zip, e.g. /in/input.zip

	// Host-side roots, filled by dispatcherwiring but not read by this
	// backend: Start passes StartInput's InputPath and OutDir unchanged
	// as the hostPath volume paths (k8s.py's in_host_path / out_host_dir).
	HostJobsRoot   string
	HostResultsRoot string
}

var nonLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

// normalizeJobName is the Go port of k8s.py's normalize_job_name: a
// DNS-1123 label, "k2p-" prefixed, capped at 63 characters with any
// trailing hyphen left by truncation stripped.
func normalizeJobName(jobID string) string {
	base := nonLabelChars.ReplaceAllString(strings.ToLower(jobID), "-")
	name := "k2p-" + base
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// Backend is component C7.
type Backend struct {
	cfg    Config
	logger arbor.ILogger
}

// New constructs the orchestrator backend.
func New(cfg Config, logger arbor.ILogger) *Backend {
	if cfg.KubectlBin == "" {
		cfg.KubectlBin = "kubectl"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ContainerInPath == "" {
		cfg.ContainerInPath = "/in/input.zip"
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Name identifies this backend for metrics labels and log fields.
func (b *Backend) Name() string { return "orchestrator" }

// manifest mirrors k8s.py's render_job_manifest dict shape field for
// field, via yaml.v3 struct tags so Marshal produces the same document
// kubectl_apply_yaml would from the Python dict.
type manifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   manifestMeta   `yaml:"metadata"`
	Spec       manifestJobSpec `yaml:"spec"`
}

type manifestMeta struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

type manifestJobSpec struct {
	BackoffLimit            int              `yaml:"backoffLimit"`
	TTLSecondsAfterFinished int              `yaml:"ttlSecondsAfterFinished"`
	Template                manifestTemplate `yaml:"template"`
}

type manifestTemplate struct {
	Metadata manifestMeta     `yaml:"metadata"`
	Spec     manifestPodSpec  `yaml:"spec"`
}

type manifestPodSpec struct {
	RestartPolicy string              `yaml:"restartPolicy"`
	Containers    []manifestContainer `yaml:"containers"`
	Volumes       []manifestVolume    `yaml:"volumes"`
}

type manifestContainer struct {
	Name            string              `yaml:"name"`
	Image           string              `yaml:"image"`
	Args            []string            `yaml:"args"`
	Env             []manifestEnvVar    `yaml:"env"`
	SecurityContext manifestSecurity    `yaml:"securityContext"`
	Resources       manifestResources   `yaml:"resources"`
	VolumeMounts    []manifestVolMount  `yaml:"volumeMounts"`
}

type manifestEnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type manifestSecurity struct {
	RunAsNonRoot             bool  `yaml:"runAsNonRoot"`
	RunAsUser                int64 `yaml:"runAsUser"`
	RunAsGroup               int64 `yaml:"runAsGroup"`
	ReadOnlyRootFilesystem   bool  `yaml:"readOnlyRootFilesystem"`
	AllowPrivilegeEscalation bool  `yaml:"allowPrivilegeEscalation"`
}

type manifestResources struct {
	Requests map[string]string `yaml:"requests"`
	Limits   map[string]string `yaml:"limits"`
}

type manifestVolMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`
}

type manifestVolume struct {
	Name     string               `yaml:"name"`
	HostPath *manifestHostPath    `yaml:"hostPath,omitempty"`
	EmptyDir *manifestEmptyDir    `yaml:"emptyDir,omitempty"`
}

type manifestHostPath struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"`
}

type manifestEmptyDir struct{}

// renderJobManifest is the Go port of k8s.py's render_job_manifest,
// reproducing its constants exactly: UID/GID 65532, cpu/memory
// requests 250m/256Mi, limits 1/1Gi, backoffLimit 0,
// ttlSecondsAfterFinished 3600.
func renderJobManifest(namespace, jobName, image, inHostPath, inContainerPath, outHostDir string) manifest {
	return manifest{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: manifestMeta{
			Name:      jobName,
			Namespace: namespace,
			Labels:    map[string]string{"app": "k2p"},
		},
		Spec: manifestJobSpec{
			BackoffLimit:            0,
			TTLSecondsAfterFinished: 3600,
			Template: manifestTemplate{
				Metadata: manifestMeta{Labels: map[string]string{"app": "k2p", "job-name": jobName}},
				Spec: manifestPodSpec{
					RestartPolicy: "Never",
					Containers: []manifestContainer{
						{
							Name:  "k2p",
							Image: image,
							Args:  []string{"--in-zip", inContainerPath, "--out", "/out"},
							Env:   []manifestEnvVar{{Name: "PYTHONDONTWRITEBYTECODE", Value: "1"}},
							SecurityContext: manifestSecurity{
								RunAsNonRoot:             true,
								RunAsUser:                65532,
								RunAsGroup:               65532,
								ReadOnlyRootFilesystem:   true,
								AllowPrivilegeEscalation: false,
							},
							Resources: manifestResources{
								Requests: map[string]string{"cpu": "250m", "memory": "256Mi"},
								Limits:   map[string]string{"cpu": "1", "memory": "1Gi"},
							},
							VolumeMounts: []manifestVolMount{
								{Name: "inzip", MountPath: inContainerPath, ReadOnly: true},
								{Name: "outdir", MountPath: "/out"},
								{Name: "tmp", MountPath: "/tmp"},
							},
						},
					},
					Volumes: []manifestVolume{
						{Name: "inzip", HostPath: &manifestHostPath{Path: inHostPath, Type: "File"}},
						{Name: "outdir", HostPath: &manifestHostPath{Path: outHostDir, Type: "DirectoryOrCreate"}},
						{Name: "tmp", EmptyDir: &manifestEmptyDir{}},
					},
				},
			},
		},
	}
}

func (b *Backend) kubectlApply(ctx context.Context, m manifest) error {
	doc, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling job manifest: %w", err)
	}
	cmd := exec.CommandContext(ctx, b.cfg.KubectlBin, "apply", "-f", "-")
	cmd.Stdin = bytes.NewReader(doc)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("kubectl apply failed: %v: %s", err, stderr.String())
	}
	return nil
}

// kubectlJobStatus is the subset of `kubectl get job -o json` this
// backend reads, mirroring job_state's use of status.succeeded/failed.
type kubectlJobStatus struct {
	Status struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	} `json:"status"`
}

func (b *Backend) kubectlGetJob(ctx context.Context, jobName string) (*kubectlJobStatus, error) {
	cmd := exec.CommandContext(ctx, b.cfg.KubectlBin, "-n", b.cfg.Namespace, "get", "job", jobName, "-o", "json")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("kubectl get job failed: %v: %s", err, stderr.String())
	}
	var status kubectlJobStatus
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil {
		return nil, fmt.Errorf("parsing kubectl get job output: %w", err)
	}
	return &status, nil
}

// capTail keeps only the last n bytes of s, matching spec.md §7's
// "stderr tail capped at 4000 bytes" for k8s_submit_failed.
func capTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// jobState is the Go port of k8s.py's job_state: succeeded>=1 wins over
// failed>=1, anything else is still RUNNING.
func jobState(status *kubectlJobStatus) (jobmodel.Status, *int) {
	if status.Status.Succeeded >= 1 {
		zero := 0
		return jobmodel.StatusSucceeded, &zero
	}
	if status.Status.Failed >= 1 {
		one := 1
		return jobmodel.StatusFailed, &one
	}
	return jobmodel.StatusRunning, nil
}

// Start applies the Job manifest and returns immediately with a
// non-terminal Outcome carrying the k8s Job name as BackendRef, per
// SPEC_FULL.md §9's "Backend polymorphism".
func (b *Backend) Start(ctx context.Context, in runner.StartInput) (runner.Outcome, error) {
	jobName := normalizeJobName(in.JobID)
	m := renderJobManifest(b.cfg.Namespace, jobName, b.cfg.Image, in.InputPath, b.cfg.ContainerInPath, in.OutDir)

	if err := b.kubectlApply(ctx, m); err != nil {
		return runner.Outcome{
			Terminal:     true,
			Status:       jobmodel.StatusFailed,
			ErrorCode:    jobmodel.ErrCodeK8sSubmitFailed,
			ErrorMessage: capTail(err.Error(), runner.MaxTailBytes),
		}, nil
	}

	b.logger.Info().Str("job_id", in.JobID).Str("k8s_job", jobName).Msg("Submitted Kubernetes Job")
	return runner.Outcome{Terminal: false, BackendRef: jobName}, nil
}

// Poll asks kubectl for the Job's current status and classifies it per
// jobState; RUNNING jobs come back Terminal=false so the dispatcher
// reconciles again next tick. A failed `kubectl get` (API blip, Job not
// yet visible) is also reported non-terminal: k8s.py's kubectl_get_job
// returns None on a non-zero exit and k2p_worker.py's _reconcile_running
// just `continue`s in that case, rather than ever failing the job from a
// transient get error.
func (b *Backend) Poll(ctx context.Context, backendRef string) (runner.Outcome, error) {
	status, err := b.kubectlGetJob(ctx, backendRef)
	if err != nil {
		return runner.Outcome{Terminal: false, BackendRef: backendRef}, err
	}

	state, exitCode := jobState(status)
	if state == jobmodel.StatusRunning {
		return runner.Outcome{Terminal: false, BackendRef: backendRef}, nil
	}

	outcome := runner.Outcome{
		Terminal:   true,
		Status:     state,
		ExitCode:   exitCode,
		BackendRef: backendRef,
	}
	if state == jobmodel.StatusFailed {
		outcome.ErrorCode = jobmodel.ErrCodeK8sJobFailed
		outcome.ErrorMessage = fmt.Sprintf("kubernetes job %s reported failed>=1", backendRef)
	}
	return outcome, nil
}
