package jobstore

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := Open(logger, Config{BadgerPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateGetUpdate(t *testing.T) {
	store := openTestStore(t)

	job := jobmodel.New("workflow.zip")
	require.NoError(t, store.Create(job))

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, jobmodel.StatusQueued, got.Status)

	got.InputKey = "jobs/x/workflow.zip"
	require.NoError(t, store.Update(got))

	refetched, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, "jobs/x/workflow.zip", refetched.InputKey)
}

func TestGet_UnknownIDReturnsNilNoError(t *testing.T) {
	store := openTestStore(t)
	got, err := store.Get("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClaimNextQueued_ClaimsOldestFirst(t *testing.T) {
	store := openTestStore(t)

	older := jobmodel.New("a.zip")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(older))

	newer := jobmodel.New("b.zip")
	newer.CreatedAt = time.Now()
	require.NoError(t, store.Create(newer))

	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, older.ID, claimed.ID)
	require.Equal(t, jobmodel.StatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
}

func TestClaimNextQueued_EmptyQueueReturnsNil(t *testing.T) {
	store := openTestStore(t)
	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimNextQueued_ConcurrentClaimsAreDisjoint(t *testing.T) {
	store := openTestStore(t)

	const n = 10
	for i := 0; i < n; i++ {
		job := jobmodel.New("a.zip")
		require.NoError(t, store.Create(job))
	}

	results := make(chan *jobmodel.Job, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			job, err := store.ClaimNextQueued()
			results <- job
			errs <- err
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		job := <-results
		if job == nil {
			continue
		}
		require.False(t, seen[job.ID], "job %s claimed twice", job.ID)
		seen[job.ID] = true
	}
	require.Len(t, seen, n)
}

func TestCountByStatus(t *testing.T) {
	store := openTestStore(t)

	q := jobmodel.New("a.zip")
	require.NoError(t, store.Create(q))
	r := jobmodel.New("b.zip")
	require.NoError(t, store.Create(r))
	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := store.CountByStatus(jobmodel.StatusQueued, jobmodel.StatusRunning)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.CountByStatus(jobmodel.StatusSucceeded)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestListRunningWithBackendRef_OnlyReturnsRunningWithRef(t *testing.T) {
	store := openTestStore(t)

	a := jobmodel.New("a.zip")
	require.NoError(t, store.Create(a))
	claimedA, err := store.ClaimNextQueued()
	require.NoError(t, err)
	claimedA.BackendRef = "k2p-job-a"
	require.NoError(t, store.Update(claimedA))

	b := jobmodel.New("b.zip")
	require.NoError(t, store.Create(b))
	claimedB, err := store.ClaimNextQueued()
	require.NoError(t, err)
	// claimedB left without a BackendRef, e.g. the synchronous container backend.

	running, err := store.ListRunningWithBackendRef()
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, claimedA.ID, running[0].ID)
	_ = claimedB
}

func TestGetStaleRunning(t *testing.T) {
	store := openTestStore(t)

	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))
	claimed, err := store.ClaimNextQueued()
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	claimed.StartedAt = &old
	require.NoError(t, store.Update(claimed))

	stale, err := store.GetStaleRunning(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, claimed.ID, stale[0].ID)

	notStale, err := store.GetStaleRunning(time.Now().Add(-2 * time.Hour))
	require.NoError(t, err)
	require.Empty(t, notStale)
}

func TestDelete_CascadesSettingsMeta(t *testing.T) {
	store := openTestStore(t)

	job := jobmodel.New("a.zip")
	require.NoError(t, store.Create(job))
	require.NoError(t, store.CreateSettingsMeta(jobmodel.SettingsMeta{
		JobID:    job.ID,
		FileName: "settings.xml",
		Factory:  "org.knime.Factory",
	}))

	require.NoError(t, store.Delete(job.ID))

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	rows, err := store.ListSettingsMetaForJob(job.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDelete_IsIdempotent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Delete("never-existed"))
}
