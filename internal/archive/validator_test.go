package archive

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLimits() Limits {
	return Limits{
		MaxFiles:         10,
		MaxPathDepth:     5,
		MaxUnpackedBytes: 1 << 20,
		MaxFileBytes:     1 << 18,
	}
}

func buildZip(t *testing.T, files map[string]string) *zip.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return r
}

func TestValidate_AcceptsWellFormedArchive(t *testing.T) {
	r := buildZip(t, map[string]string{
		"workflow.knime":                   "<root/>",
		"CSV Reader (#1)/settings.xml":     "<settings/>",
	})
	assert.NoError(t, Validate(r, defaultLimits()))
}

func TestValidate_DirectoryEntriesAreNotUnsafe(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("CSV Reader (#1)/")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	assert.NoError(t, Validate(r, defaultLimits()))
}

func TestValidate_TooManyFiles(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 5; i++ {
		files[string(rune('a'+i))+".txt"] = "x"
	}
	r := buildZip(t, files)

	limits := defaultLimits()
	limits.MaxFiles = 4
	err := Validate(r, limits)
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, ReasonTooManyFiles, ve.Reason)
}

func TestValidate_PathTraversalSegment(t *testing.T) {
	r := buildZip(t, map[string]string{
		"workflow.knime": "<root/>",
		"../evil.txt":    "oops",
	})
	err := Validate(r, defaultLimits())
	require.Error(t, err)
	ve := err.(*ValidationError)
	assert.Equal(t, ReasonUnsafePath, ve.Reason)
}

func TestValidate_AbsolutePathIsUnsafe(t *testing.T) {
	r := buildZip(t, map[string]string{"/etc/passwd": "x"})
	err := Validate(r, defaultLimits())
	require.Error(t, err)
	assert.Equal(t, ReasonUnsafePath, err.(*ValidationError).Reason)
}

func TestValidate_WindowsDriveLetterIsUnsafe(t *testing.T) {
	r := buildZip(t, map[string]string{"C:/windows/system32": "x"})
	err := Validate(r, defaultLimits())
	require.Error(t, err)
	assert.Equal(t, ReasonUnsafePath, err.(*ValidationError).Reason)
}

func TestValidate_PathTooDeep(t *testing.T) {
	r := buildZip(t, map[string]string{"a/b/c/d/e/f/g.txt": "x"})
	limits := defaultLimits()
	limits.MaxPathDepth = 3
	err := Validate(r, limits)
	require.Error(t, err)
	assert.Equal(t, ReasonTooDeep, err.(*ValidationError).Reason)
}

func TestValidate_EntryTooLarge(t *testing.T) {
	r := buildZip(t, map[string]string{"big.txt": string(make([]byte, 100))})
	limits := defaultLimits()
	limits.MaxFileBytes = 10
	err := Validate(r, limits)
	require.Error(t, err)
	assert.Equal(t, ReasonFileTooLarge, err.(*ValidationError).Reason)
}

func TestValidate_CumulativeBomb(t *testing.T) {
	r := buildZip(t, map[string]string{
		"a.txt": string(make([]byte, 60)),
		"b.txt": string(make([]byte, 60)),
	})
	limits := defaultLimits()
	limits.MaxFileBytes = 1000
	limits.MaxUnpackedBytes = 100
	err := Validate(r, limits)
	require.Error(t, err)
	assert.Equal(t, ReasonArchiveTooLarge, err.(*ValidationError).Reason)
}

func TestValidate_BoundaryAccepted(t *testing.T) {
	r := buildZip(t, map[string]string{"a.txt": string(make([]byte, 10))})
	limits := defaultLimits()
	limits.MaxFileBytes = 10
	limits.MaxUnpackedBytes = 10
	assert.NoError(t, Validate(r, limits))
}

func TestValidate_BoundaryPlusOneRejected(t *testing.T) {
	r := buildZip(t, map[string]string{"a.txt": string(make([]byte, 11))})
	limits := defaultLimits()
	limits.MaxFileBytes = 10
	err := Validate(r, limits)
	require.Error(t, err)
	assert.Equal(t, ReasonFileTooLarge, err.(*ValidationError).Reason)
}

func TestValidate_IsIdempotentOnVerdictAndOrder(t *testing.T) {
	r := buildZip(t, map[string]string{
		"workflow.knime":               "<root/>",
		"CSV Reader (#1)/settings.xml": "<settings/>",
	})
	limits := defaultLimits()

	names1 := normalizedNames(r)
	err1 := Validate(r, limits)
	names2 := normalizedNames(r)
	err2 := Validate(r, limits)

	assert.Equal(t, err1, err2)
	assert.Equal(t, names1, names2)
}

func normalizedNames(r *zip.Reader) []string {
	var names []string
	for _, f := range r.File {
		names = append(names, normalizeName(f.Name))
	}
	return names
}
