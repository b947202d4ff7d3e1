// Package container implements component C6: launching a claimed job's
// workload as a sandboxed local child process via containerd. Grounded on
// _examples/cuemby-warren/pkg/runtime/containerd.go's client wiring
// (containerd.New, namespaces.WithNamespace, oci.SpecOpts, task lifecycle)
// — the one repo in the retrieval pack that talks to containerd directly.
// Where cuemby-warren discards the child's output via cio.NullIO, this
// backend captures it: spec.md §4.6 requires stdout/stderr tails for
// every run, not just failures.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	cruntime "github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
	"github.com/ternarybob/k2pweb/internal/runner"
)

// Config controls sandbox construction. Most fields are filled from
// internal/common.ContainerRunnerConfig; TimeoutSecs comes from the
// dispatcher section, and UID/GID and the Container*Root fields have no
// config key, so dispatcherwiring leaves them at their zero values.
type Config struct {
	Socket       string
	Namespace    string
	Image        string
	Entrypoint   string // single token only; empty means "use image default"
	ArgsTemplate string // space-separated; {input} and {output} are substituted

	CPUShares uint64
	CPUQuota  int64
	CPUPeriod uint64

	MemoryBytes    int64
	PidsLimit      int64
	TmpfsSizeBytes int64

	UID uint32
	GID uint32

	TimeoutSecs int

	// Path remap pairs used to translate the paths the dispatcher computes
	// (it may itself run inside a container, seeing a different view of
	// the jobs/results trees) into the host paths containerd needs for
	// bind mounts, per spec.md §4.6's "Host-path resolution". Empty roots
	// disable remapping for that pair.
	ContainerJobsRoot    string
	HostJobsRoot         string
	ContainerResultsRoot string
	HostResultsRoot      string
}

// identity returns the configured non-root UID/GID, defaulting to the
// nobody:nogroup pair spec.md §4.6 specifies (65534:65534).
func (c Config) identity() (uint32, uint32) {
	if c.UID == 0 && c.GID == 0 {
		return 65534, 65534
	}
	return c.UID, c.GID
}

// Backend is component C6.
type Backend struct {
	client *cruntime.Client
	cfg    Config
	logger arbor.ILogger
}

// New connects to the configured containerd socket and returns an error
// if it cannot be dialed. Image availability is not checked here but on
// each Start (matching cuemby-warren's NewContainerdRuntime, which also
// fails fast only on Dial, not on image pull).
func New(cfg Config, logger arbor.ILogger) (*Backend, error) {
	socket := cfg.Socket
	if socket == "" {
		socket = "/run/containerd/containerd.sock"
	}
	client, err := cruntime.New(socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd at %s: %w", socket, err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "k2pweb"
	}
	return &Backend{client: client, cfg: cfg, logger: logger}, nil
}

// Close releases the containerd client connection.
func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Name identifies this backend for metrics labels and log fields.
func (b *Backend) Name() string { return "container" }

func containerName(jobID string) string {
	return "k2pweb-job-" + jobID
}

// Start runs the job synchronously to completion or timeout, per
// SPEC_FULL.md §9's "Backend polymorphism": the container backend's Start
// is always terminal, merging spec.md §4.5(a)'s submit and §4.5(b)'s
// reconcile into one dispatcher-tick call.
func (b *Backend) Start(ctx context.Context, in runner.StartInput) (runner.Outcome, error) {
	if len(strings.Fields(b.cfg.Entrypoint)) > 1 {
		return runner.Outcome{}, fmt.Errorf("container.command must be a single token, got %q", b.cfg.Entrypoint)
	}

	nctx := namespaces.WithNamespace(ctx, b.cfg.Namespace)

	if err := b.ensureImage(nctx); err != nil {
		return failedOutcome(jobmodel.ErrCodeImagePullFailed, err.Error()), nil
	}

	image, err := b.client.GetImage(nctx, b.cfg.Image)
	if err != nil {
		return failedOutcome(jobmodel.ErrCodeImagePullFailed,
			fmt.Sprintf("image %s not available after pull: %v", b.cfg.Image, err)), nil
	}

	hostInput := b.remapToHost(in.InputPath)
	hostOutput := b.remapToHost(in.OutDir)
	if err := os.MkdirAll(hostOutput, 0755); err != nil {
		return runner.Outcome{}, fmt.Errorf("creating output dir %s: %w", hostOutput, err)
	}

	name := containerName(in.JobID)
	specOpts, err := b.buildSpecOpts(image, hostInput, hostOutput)
	if err != nil {
		return runner.Outcome{}, err
	}

	cont, err := b.client.NewContainer(nctx, name,
		cruntime.WithImage(image),
		cruntime.WithNewSnapshot(name+"-snapshot", image),
		cruntime.WithNewSpec(specOpts...),
	)
	if err != nil {
		return failedOutcome(jobmodel.ErrCodeRunnerFailed, fmt.Sprintf("creating container: %v", err)), nil
	}
	defer b.forceRemove(context.Background(), name)

	stdoutPath := filepath.Join(hostOutput, "stdout.log")
	stderrPath := filepath.Join(hostOutput, "stderr.log")
	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("creating stdout.log: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("creating stderr.log: %w", err)
	}
	defer stderrFile.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutWriter := io.MultiWriter(&stdoutBuf, stdoutFile)
	stderrWriter := io.MultiWriter(&stderrBuf, stderrFile)

	task, err := cont.NewTask(nctx, cio.NewCreator(cio.WithStreams(nil, stdoutWriter, stderrWriter)))
	if err != nil {
		return failedOutcome(jobmodel.ErrCodeRunnerFailed, fmt.Sprintf("creating task: %v", err)), nil
	}
	defer task.Delete(context.Background())

	exitCh, err := task.Wait(nctx)
	if err != nil {
		return failedOutcome(jobmodel.ErrCodeRunnerFailed, fmt.Sprintf("waiting on task: %v", err)), nil
	}
	if err := task.Start(nctx); err != nil {
		return failedOutcome(jobmodel.ErrCodeRunnerFailed, fmt.Sprintf("starting task: %v", err)), nil
	}

	timeout := time.Duration(b.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-exitCh:
		exitCode := int(status.ExitCode())
		outTail := runner.Tail(stdoutBuf.String())
		errTail := runner.Tail(stderrBuf.String())
		if exitCode != 0 {
			return runner.Outcome{
				Terminal:     true,
				Status:       jobmodel.StatusFailed,
				ExitCode:     &exitCode,
				StdoutTail:   outTail,
				StderrTail:   errTail,
				ErrorCode:    jobmodel.ErrCodeRunnerFailed,
				ErrorMessage: fmt.Sprintf("container exited with code %d", exitCode),
			}, nil
		}
		artifacts, err := listArtifacts(hostOutput)
		if err != nil {
			return runner.Outcome{}, fmt.Errorf("enumerating artifacts: %w", err)
		}
		return runner.Outcome{
			Terminal:   true,
			Status:     jobmodel.StatusSucceeded,
			ExitCode:   &exitCode,
			StdoutTail: outTail,
			StderrTail: errTail,
			Artifacts:  artifacts,
		}, nil

	case <-timer.C:
		_ = task.Kill(nctx, syscall.SIGKILL)
		b.forceRemove(context.Background(), name)
		return runner.Outcome{
			Terminal:     true,
			Status:       jobmodel.StatusFailed,
			StdoutTail:   runner.Tail(stdoutBuf.String()),
			StderrTail:   runner.Tail(stderrBuf.String()),
			ErrorCode:    jobmodel.ErrCodeRunnerFailed,
			ErrorMessage: fmt.Sprintf("job exceeded timeout after %s", timeout),
		}, nil
	}
}

// Poll is never called for the container backend: its Start is always
// terminal, per SPEC_FULL.md §9.
func (b *Backend) Poll(ctx context.Context, backendRef string) (runner.Outcome, error) {
	return runner.Outcome{}, fmt.Errorf("container backend does not support Poll; Start is always terminal")
}

// Artifacts enumerates every regular file under outDir (a host path),
// relative to outDir, per spec.md §4.6 "On success, enumerate every
// regular file under out_dir recursively".
func Artifacts(outDir string) ([]string, error) {
	return listArtifacts(outDir)
}

func listArtifacts(outDir string) ([]string, error) {
	var files []string
	err := filepath.Walk(outDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, err := filepath.Rel(outDir, p)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (b *Backend) ensureImage(ctx context.Context) error {
	if _, err := b.client.GetImage(ctx, b.cfg.Image); err == nil {
		return nil
	}
	if _, err := b.client.Pull(ctx, b.cfg.Image, cruntime.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", b.cfg.Image, err)
	}
	return nil
}

func (b *Backend) forceRemove(ctx context.Context, name string) {
	nctx := namespaces.WithNamespace(ctx, b.cfg.Namespace)
	cont, err := b.client.LoadContainer(nctx, name)
	if err != nil {
		return
	}
	if task, err := cont.Task(nctx, nil); err == nil {
		_ = task.Kill(nctx, syscall.SIGKILL)
		_, _ = task.Delete(nctx)
	}
	_ = cont.Delete(nctx, cruntime.WithSnapshotCleanup)
}

// buildSpecOpts assembles the mandatory isolation policy of spec.md §4.6:
// no network, read-only rootfs, tmpfs /tmp, CPU/memory/pid caps, non-root
// identity, input bind-mounted read-only, output bind-mounted read-write.
func (b *Backend) buildSpecOpts(image cruntime.Image, hostInput, hostOutput string) ([]oci.SpecOpts, error) {
	args, err := b.renderArgs()
	if err != nil {
		return nil, err
	}

	mounts := []specs.Mount{
		{
			Destination: "/work/input.zip",
			Type:        "bind",
			Source:      hostInput,
			Options:     []string{"ro", "bind"},
		},
		{
			Destination: "/work/out",
			Type:        "bind",
			Source:      hostOutput,
			Options:     []string{"rbind", "rw"},
		},
		{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"noexec", "nosuid", "nodev", fmt.Sprintf("size=%d", b.cfg.TmpfsSizeBytes)},
		},
	}

	uid, gid := b.cfg.identity()
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithRootFSReadonly(),
		oci.WithMounts(mounts),
		oci.WithUIDGID(uid, gid),
		oci.WithProcessCwd("/work"),
		oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace}),
	}
	if b.cfg.Entrypoint != "" {
		opts = append(opts, oci.WithProcessArgs(append([]string{b.cfg.Entrypoint}, args...)...))
	}
	if b.cfg.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(b.cfg.PidsLimit))
	}
	if b.cfg.CPUQuota > 0 {
		period := b.cfg.CPUPeriod
		if period == 0 {
			period = 100000
		}
		opts = append(opts, oci.WithCPUCFS(b.cfg.CPUQuota, period))
	}
	if b.cfg.CPUShares > 0 {
		opts = append(opts, oci.WithCPUShares(b.cfg.CPUShares))
	}
	if b.cfg.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(b.cfg.MemoryBytes)))
	}

	return opts, nil
}

// renderArgs substitutes {input} -> /work/input.zip and {output} ->
// /work/out into the configured args_template, per spec.md §4.6.
func (b *Backend) renderArgs() ([]string, error) {
	tmpl := strings.TrimSpace(b.cfg.ArgsTemplate)
	if tmpl == "" {
		return nil, nil
	}
	replacer := strings.NewReplacer("{input}", "/work/input.zip", "{output}", "/work/out")
	return strings.Fields(replacer.Replace(tmpl)), nil
}

// remapToHost translates a container-internal path rooted under one of
// the configured *Root pairs to its host equivalent; paths with no
// matching prefix pass through unchanged, per spec.md §4.6.
func (b *Backend) remapToHost(p string) string {
	for _, pair := range [][2]string{
		{b.cfg.ContainerJobsRoot, b.cfg.HostJobsRoot},
		{b.cfg.ContainerResultsRoot, b.cfg.HostResultsRoot},
	} {
		containerRoot, hostRoot := pair[0], pair[1]
		if containerRoot == "" || hostRoot == "" {
			continue
		}
		if strings.HasPrefix(p, containerRoot) {
			return filepath.Join(hostRoot, strings.TrimPrefix(p, containerRoot))
		}
	}
	return p
}

func failedOutcome(code jobmodel.ErrorCode, message string) runner.Outcome {
	return runner.Outcome{
		Terminal:     true,
		Status:       jobmodel.StatusFailed,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}
