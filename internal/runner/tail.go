package runner

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxTailLines is the spec.md §3 cap of 40 lines on stdout_tail/stderr_tail.
	MaxTailLines = 40
	// MaxTailBytes is the spec.md §3 cap of 4000 bytes on stdout_tail/stderr_tail.
	MaxTailBytes = 4000
)

// Tail returns the last MaxTailLines lines or MaxTailBytes bytes of s,
// whichever yields less text, decoded with replacement for invalid UTF-8
// and with surrounding whitespace stripped — the exact rule spec.md §4.6
// states for stdout/stderr capture.
func Tail(s string) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))

	byLines := tailByLines(s, MaxTailLines)
	byBytes := tailByBytes(s, MaxTailBytes)

	result := byLines
	if len(byBytes) < len(result) {
		result = byBytes
	}
	return strings.TrimSpace(result)
}

func tailByLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func tailByBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
