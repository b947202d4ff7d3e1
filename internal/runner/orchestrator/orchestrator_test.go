package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/k2pweb/internal/jobmodel"
)

func TestNormalizeJobName_LowercasesAndPrefixes(t *testing.T) {
	assert.Equal(t, "k2p-abc-123", normalizeJobName("ABC_123"))
}

func TestNormalizeJobName_ReplacesRunsOfNonLabelCharsWithSingleHyphen(t *testing.T) {
	assert.Equal(t, "k2p-a-b-c", normalizeJobName("a___b...c"))
}

func TestNormalizeJobName_TruncatesToSixtyThreeChars(t *testing.T) {
	name := normalizeJobName(strings.Repeat("a", 100))
	assert.LessOrEqual(t, len(name), 63)
}

func TestNormalizeJobName_StripsTrailingHyphenLeftByTruncation(t *testing.T) {
	// Construct an id whose 63rd character of the normalized name lands
	// on a hyphen boundary.
	id := strings.Repeat("a", 58) + "-" + strings.Repeat("b", 10)
	name := normalizeJobName(id)
	assert.False(t, strings.HasSuffix(name, "-"))
}

func TestJobState_SucceededWins(t *testing.T) {
	status := &kubectlJobStatus{}
	status.Status.Succeeded = 1
	status.Status.Failed = 1
	state, exitCode := jobState(status)
	assert.Equal(t, jobmodel.StatusSucceeded, state)
	require := assert.New(t)
	require.NotNil(exitCode)
	require.Equal(0, *exitCode)
}

func TestJobState_FailedWhenNoSuccess(t *testing.T) {
	status := &kubectlJobStatus{}
	status.Status.Failed = 1
	state, exitCode := jobState(status)
	assert.Equal(t, jobmodel.StatusFailed, state)
	assert.Equal(t, 1, *exitCode)
}

func TestJobState_RunningWhenNeitherSet(t *testing.T) {
	status := &kubectlJobStatus{}
	state, exitCode := jobState(status)
	assert.Equal(t, jobmodel.StatusRunning, state)
	assert.Nil(t, exitCode)
}

func TestCapTail_KeepsLastNBytes(t *testing.T) {
	s := strings.Repeat("x", 10) + strings.Repeat("y", 10)
	assert.Equal(t, strings.Repeat("y", 10), capTail(s, 10))
}

func TestCapTail_NoOpWhenUnderLimit(t *testing.T) {
	assert.Equal(t, "short", capTail("short", 100))
}

func TestRenderJobManifest_AppliesFixedResourceConstants(t *testing.T) {
	m := renderJobManifest("ns", "k2p-job", "img:latest", "/host/in.zip", "/in/input.zip", "/host/out")

	assert.Equal(t, "batch/v1", m.APIVersion)
	assert.Equal(t, "Job", m.Kind)
	assert.Equal(t, "ns", m.Metadata.Namespace)
	assert.Equal(t, 0, m.Spec.BackoffLimit)
	assert.Equal(t, 3600, m.Spec.TTLSecondsAfterFinished)

	container := m.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "img:latest", container.Image)
	assert.True(t, container.SecurityContext.RunAsNonRoot)
	assert.EqualValues(t, 65532, container.SecurityContext.RunAsUser)
	assert.EqualValues(t, 65532, container.SecurityContext.RunAsGroup)
	assert.True(t, container.SecurityContext.ReadOnlyRootFilesystem)
	assert.False(t, container.SecurityContext.AllowPrivilegeEscalation)
	assert.Equal(t, "250m", container.Resources.Requests["cpu"])
	assert.Equal(t, "1Gi", container.Resources.Limits["memory"])

	assert.Equal(t, "/host/in.zip", m.Spec.Template.Spec.Volumes[0].HostPath.Path)
	assert.Equal(t, "/host/out", m.Spec.Template.Spec.Volumes[1].HostPath.Path)
}
