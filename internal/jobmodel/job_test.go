package jobmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	job := New("workflow.zip")

	require.NotEmpty(t, job.ID)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "workflow.zip", job.OriginalFilename)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestIsTerminal(t *testing.T) {
	job := New("a.zip")
	assert.False(t, job.IsTerminal())

	job.Status = StatusRunning
	assert.False(t, job.IsTerminal())

	job.Status = StatusSucceeded
	assert.True(t, job.IsTerminal())

	job.Status = StatusFailed
	assert.True(t, job.IsTerminal())
}

func TestValidate_Queued(t *testing.T) {
	job := New("a.zip")
	assert.NoError(t, job.Validate())
}

func TestValidate_MissingID(t *testing.T) {
	job := New("a.zip")
	job.ID = ""
	assert.Error(t, job.Validate())
}

func TestValidate_RunningRequiresInputKeyAndStartedAt(t *testing.T) {
	job := New("a.zip")
	job.Status = StatusRunning

	err := job.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input_key")

	job.InputKey = "jobs/x/a.zip"
	err = job.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "started_at")

	now := time.Now()
	job.StartedAt = &now
	assert.NoError(t, job.Validate())
}

func TestValidate_TerminalRequiresFinishedAt(t *testing.T) {
	job := New("a.zip")
	job.Status = StatusSucceeded
	job.InputKey = "jobs/x/a.zip"
	started := time.Now()
	job.StartedAt = &started

	err := job.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finished_at")

	now := time.Now()
	job.FinishedAt = &now
	assert.NoError(t, job.Validate())
}

func TestClampSettingsField(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, ClampSettingsField(short))

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	clamped := ClampSettingsField(string(long))
	assert.Len(t, clamped, 512)
}
