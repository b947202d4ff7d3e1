package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
	"github.com/ternarybob/k2pweb/internal/jobstore"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/runner"
)

// fakeBackend is a runner.Backend test double whose Start/Poll outcomes
// are scripted per call, letting the tests drive both the synchronous
// (container-like) and asynchronous (orchestrator-like) dispatch paths.
type fakeBackend struct {
	name        string
	startOutcome runner.Outcome
	startErr     error
	pollOutcomes map[string]runner.Outcome
	startCalls   int
	pollCalls    int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Start(ctx context.Context, in runner.StartInput) (runner.Outcome, error) {
	f.startCalls++
	return f.startOutcome, f.startErr
}

func (f *fakeBackend) Poll(ctx context.Context, backendRef string) (runner.Outcome, error) {
	f.pollCalls++
	return f.pollOutcomes[backendRef], nil
}

type fakePaths struct{ root string }

func (p fakePaths) InputPath(job *jobmodel.Job) string {
	return filepath.Join(p.root, job.ID, "workflow.zip")
}
func (p fakePaths) OutDir(job *jobmodel.Job) string { return filepath.Join(p.root, job.ID, "out") }
func (p fakePaths) ResultKey(job *jobmodel.Job) string {
	return filepath.Join("results", job.ID, "result.zip")
}

// writeInput creates the persisted archive submitOne checks for before it
// starts the backend, so the job reaches Start instead of input_missing.
func writeInput(t *testing.T, p fakePaths, job *jobmodel.Job) {
	t.Helper()
	in := p.InputPath(job)
	require.NoError(t, os.MkdirAll(filepath.Dir(in), 0755))
	require.NoError(t, os.WriteFile(in, []byte("zip"), 0644))
}

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(arbor.NewLogger(), jobstore.Config{BadgerPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSubmitOne_SynchronousBackendAppliesTerminalOutcomeImmediately(t *testing.T) {
	store := newTestStore(t)
	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))

	exitCode := 0
	backend := &fakeBackend{
		name: "container",
		startOutcome: runner.Outcome{
			Terminal: true,
			Status:   jobmodel.StatusSucceeded,
			ExitCode: &exitCode,
		},
	}

	paths := fakePaths{root: t.TempDir()}
	writeInput(t, paths, job)
	sup := New(store, backend, paths, Config{}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.submitOne())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, 1, backend.startCalls)
}

func TestSubmitOne_AsyncBackendLeavesJobRunningWithBackendRef(t *testing.T) {
	store := newTestStore(t)
	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))

	backend := &fakeBackend{
		name:         "orchestrator",
		startOutcome: runner.Outcome{Terminal: false, BackendRef: "k2p-job-1"},
	}

	paths := fakePaths{root: t.TempDir()}
	writeInput(t, paths, job)
	sup := New(store, backend, paths, Config{}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.submitOne())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StatusRunning, got.Status)
	require.Equal(t, "k2p-job-1", got.BackendRef)
}

func TestSubmitOne_EmptyQueueIsANoOp(t *testing.T) {
	store := newTestStore(t)
	backend := &fakeBackend{name: "container"}
	sup := New(store, backend, fakePaths{root: t.TempDir()}, Config{}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.submitOne())
	require.Equal(t, 0, backend.startCalls)
}

func TestSubmitOne_BackendErrorFailsJob(t *testing.T) {
	store := newTestStore(t)
	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))

	backend := &fakeBackend{name: "container", startErr: errors.New("containerd unreachable")}
	paths := fakePaths{root: t.TempDir()}
	writeInput(t, paths, job)
	sup := New(store, backend, paths, Config{}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.submitOne())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StatusFailed, got.Status)
	require.Equal(t, jobmodel.ErrCodeRunnerFailed, got.ErrorCode)
}

func TestReconcileRunning_AppliesTerminalPollOutcome(t *testing.T) {
	store := newTestStore(t)
	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))
	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)
	claimed.BackendRef = "k2p-job-1"
	require.NoError(t, store.Update(claimed))

	exitCode := 0
	backend := &fakeBackend{
		name: "orchestrator",
		pollOutcomes: map[string]runner.Outcome{
			"k2p-job-1": {Terminal: true, Status: jobmodel.StatusSucceeded, ExitCode: &exitCode, BackendRef: "k2p-job-1"},
		},
	}

	sup := New(store, backend, fakePaths{root: t.TempDir()}, Config{}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.reconcileRunning())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StatusSucceeded, got.Status)
	require.Equal(t, "results/"+job.ID+"/result.zip", got.ResultKey)
}

func TestReconcileRunning_NonTerminalPollLeavesJobRunning(t *testing.T) {
	store := newTestStore(t)
	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))
	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)
	claimed.BackendRef = "k2p-job-1"
	require.NoError(t, store.Update(claimed))

	backend := &fakeBackend{
		name: "orchestrator",
		pollOutcomes: map[string]runner.Outcome{
			"k2p-job-1": {Terminal: false, BackendRef: "k2p-job-1"},
		},
	}

	sup := New(store, backend, fakePaths{root: t.TempDir()}, Config{}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.reconcileRunning())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StatusRunning, got.Status)
}

func TestReconcileStale_FailsJobsPastStaleThreshold(t *testing.T) {
	store := newTestStore(t)
	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))
	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	claimed.StartedAt = &old
	require.NoError(t, store.Update(claimed))

	backend := &fakeBackend{name: "orchestrator"}
	sup := New(store, backend, fakePaths{root: t.TempDir()}, Config{StaleAfter: time.Minute}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.reconcileStale())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StatusFailed, got.Status)
	require.Equal(t, jobmodel.ErrCodeRunnerFailed, got.ErrorCode)
}

func TestReconcileStale_DisabledWhenStaleAfterIsZero(t *testing.T) {
	store := newTestStore(t)
	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))
	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)
	old := time.Now().Add(-24 * time.Hour)
	claimed.StartedAt = &old
	require.NoError(t, store.Update(claimed))

	backend := &fakeBackend{name: "orchestrator"}
	sup := New(store, backend, fakePaths{root: t.TempDir()}, Config{}, arbor.NewLogger(), metrics.New())
	require.NoError(t, sup.reconcileStale())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StatusRunning, got.Status)
}

func TestStartStop_IsSafeToCallTwice(t *testing.T) {
	store := newTestStore(t)
	backend := &fakeBackend{name: "container"}
	sup := New(store, backend, fakePaths{root: t.TempDir()}, Config{TickInterval: 10 * time.Millisecond}, arbor.NewLogger(), metrics.New())

	sup.Start()
	sup.Start() // no-op, must not panic or deadlock
	sup.Stop()
	sup.Stop() // no-op
}
