package intake

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeStem_ReplacesUnsafeRunsWithSingleUnderscore(t *testing.T) {
	assert.Equal(t, "My_Workflow_2024", safeStem("My Workflow! 2024.zip"))
}

func TestSafeStem_StripsZipExtensionOnly(t *testing.T) {
	assert.Equal(t, "workflow", safeStem("workflow.zip"))
	assert.Equal(t, "WORKFLOW", safeStem("WORKFLOW.ZIP"))
}

func TestSafeStem_KeepsInternalDots(t *testing.T) {
	assert.Equal(t, "archive.v2", safeStem("archive.v2.zip"))
}

func TestSafeStem_StripsDirectoryPortion(t *testing.T) {
	assert.Equal(t, "workflow", safeStem("/tmp/uploads/workflow.zip"))
	assert.Equal(t, "workflow", safeStem(`C:\uploads\workflow.zip`))
}

func TestSafeStem_EmptyResultFallsBackToWorkflow(t *testing.T) {
	assert.Equal(t, "workflow", safeStem("!!!.zip"))
	assert.Equal(t, "workflow", safeStem("___.zip"))
}

func TestSafeStem_TrimsLeadingTrailingSeparators(t *testing.T) {
	assert.Equal(t, "abc", safeStem("...abc...zip"))
}

func TestSafeStem_TruncatesToMaxLen(t *testing.T) {
	longName := strings.Repeat("a", 200) + ".zip"
	stem := safeStem(longName)
	assert.LessOrEqual(t, len(stem), maxStemLen)
}

func TestSafeStem_IsIdempotent(t *testing.T) {
	inputs := []string{
		"My Workflow! 2024.zip",
		"workflow.zip",
		"archive.v2.zip",
		strings.Repeat("x", 200) + ".zip",
		"!!!.zip",
		"test.zip!",
	}
	for _, in := range inputs {
		once := safeStem(in)
		twice := safeStem(once)
		assert.Equal(t, once, twice, "safeStem should be idempotent for input %q", in)
	}
}

// TestSafeStem_TrailingJunkDoesNotLeaveMaskedZipSuffix guards against a
// regression where a non-separator character after ".zip" (itself replaced
// by an underscore) exposed a ".zip" suffix invisible in the raw filename,
// producing a stem that a second call would then shorten further.
func TestSafeStem_TrailingJunkDoesNotLeaveMaskedZipSuffix(t *testing.T) {
	once := safeStem("test.zip!")
	assert.Equal(t, once, safeStem(once))
}
