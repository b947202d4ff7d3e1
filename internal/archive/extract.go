package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractResult reports what SafeExtract actually wrote, plus the macOS
// metadata entries it silently skipped (__MACOSX/ and AppleDouble "._*"
// files), matching safe_extract_zip's ignore_prefixes behavior in the
// Python reference.
type ExtractResult struct {
	ExtractedFiles []string
	SkippedEntries []string
}

const copyChunkBytes = 1024 * 1024 // 1 MiB, matching the Python reference's chunk size

// SafeExtract validates r against limits, then extracts every entry that
// isn't macOS packaging metadata into destRoot. destRoot must already
// exist. Every write target is re-verified to stay inside destRoot
// (defense in depth on top of Validate's unsafe-path rejection).
func SafeExtract(r *zip.Reader, destRoot string, limits Limits) (ExtractResult, error) {
	var result ExtractResult

	if err := Validate(r, limits); err != nil {
		return result, err
	}

	absRoot, err := filepath.Abs(destRoot)
	if err != nil {
		return result, fmt.Errorf("resolving destination root: %w", err)
	}

	for _, f := range r.File {
		name := normalizeName(f.Name)

		if shouldSkipEntry(name) {
			result.SkippedEntries = append(result.SkippedEntries, f.Name)
			continue
		}

		if strings.HasSuffix(name, "/") {
			// Directory entry: create it and move on.
			if err := os.MkdirAll(filepath.Join(absRoot, filepath.FromSlash(name)), 0755); err != nil {
				return result, fmt.Errorf("creating directory for %q: %w", name, err)
			}
			continue
		}

		target := filepath.Join(absRoot, filepath.FromSlash(name))
		if !isWithinRoot(absRoot, target) {
			return result, &ValidationError{Reason: ReasonPathTraversal, Entry: f.Name}
		}

		if err := extractOne(f, target); err != nil {
			return result, fmt.Errorf("extracting %q: %w", name, err)
		}

		result.ExtractedFiles = append(result.ExtractedFiles, name)
	}

	return result, nil
}

func shouldSkipEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return true
	}
	base := filepath.Base(name)
	return strings.HasPrefix(base, "._")
}

func isWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func extractOne(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer dst.Close()

	buf := make([]byte, copyChunkBytes)
	_, err = io.CopyBuffer(dst, src, buf)
	return err
}
