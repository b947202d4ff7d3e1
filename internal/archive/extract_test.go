package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeExtract_WritesFilesAndSkipsMacOSMetadata(t *testing.T) {
	r := buildZip(t, map[string]string{
		"workflow.knime":               "<root/>",
		"CSV Reader (#1)/settings.xml": "<settings/>",
		"__MACOSX/._workflow.knime":    "junk",
		"CSV Reader (#1)/._settings":   "junk",
	})

	dest := t.TempDir()
	result, err := SafeExtract(r, dest, defaultLimits())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"workflow.knime", "CSV Reader (#1)/settings.xml"}, result.ExtractedFiles)
	assert.Len(t, result.SkippedEntries, 2)

	data, err := os.ReadFile(filepath.Join(dest, "CSV Reader (#1)", "settings.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<settings/>", string(data))

	_, err = os.Stat(filepath.Join(dest, "__MACOSX"))
	assert.True(t, os.IsNotExist(err))
}

func TestSafeExtract_NestedMacOSXPrefixIsSkipped(t *testing.T) {
	r := buildZip(t, map[string]string{
		"workflow.knime":                     "<root/>",
		"sub/__MACOSX/._hidden":               "junk",
	})
	dest := t.TempDir()
	result, err := SafeExtract(r, dest, defaultLimits())
	require.NoError(t, err)
	assert.Equal(t, []string{"workflow.knime"}, result.ExtractedFiles)
	assert.Contains(t, result.SkippedEntries, "sub/__MACOSX/._hidden")
}

func TestSafeExtract_RejectsInvalidArchiveBeforeWriting(t *testing.T) {
	r := buildZip(t, map[string]string{"../evil.txt": "oops"})
	dest := t.TempDir()
	_, err := SafeExtract(r, dest, defaultLimits())
	require.Error(t, err)

	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries)
}

func TestSafeExtract_EveryPathStaysUnderDest(t *testing.T) {
	r := buildZip(t, map[string]string{
		"a/b/c.txt": "x",
	})
	dest := t.TempDir()
	result, err := SafeExtract(r, dest, defaultLimits())
	require.NoError(t, err)

	absDest, err := filepath.Abs(dest)
	require.NoError(t, err)
	for _, name := range result.ExtractedFiles {
		target := filepath.Join(absDest, filepath.FromSlash(name))
		rel, err := filepath.Rel(absDest, target)
		require.NoError(t, err)
		assert.False(t, rel == ".." || filepath.IsAbs(rel))
	}
}

func TestSafeExtract_DirectoryEntryIsCreated(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("empty/dir/")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	dest := t.TempDir()
	_, err = SafeExtract(r, dest, defaultLimits())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "empty", "dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
