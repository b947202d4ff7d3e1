package intake

import (
	"strings"
)

const maxStemLen = 80

// safeStem derives a filesystem-safe short identifier from a user-supplied
// filename's stem, per spec.md §4.4. Ported from the Python reference's
// `_safe_stem` (original_source/serializers.py): any run of characters
// outside [A-Za-z0-9._-] becomes a single underscore, a trailing ".zip"
// extension is stripped, leading and trailing "._-" are trimmed, the result
// is truncated to 80 bytes, and "workflow" is substituted if nothing
// survives. Idempotent on any string it produces (spec.md P5): the
// extension is stripped to a fixed point (see stripTrailingZip) rather than
// read off the raw filename, so a stray trailing character that would
// otherwise mask a ".zip" suffix (e.g. "test.zip!") can't leave behind an
// unstripped ".zip" for a second call to find.
func safeStem(filename string) string {
	name := filename
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	lastWasReplaced := false
	for _, r := range name {
		if isSafeStemRune(r) {
			b.WriteRune(r)
			lastWasReplaced = false
			continue
		}
		if !lastWasReplaced {
			b.WriteByte('_')
			lastWasReplaced = true
		}
	}

	s := stripTrailingZip(b.String())
	s = strings.Trim(s, "._-")
	if len(s) > maxStemLen {
		s = s[:maxStemLen]
		s = strings.TrimRight(s, "._-")
	}
	if s == "" {
		s = "workflow"
	}
	return s
}

func isSafeStemRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// stripTrailingZip repeatedly trims a trailing "._-" run and then a
// trailing ".zip" suffix until neither applies, so the string it returns
// ends in ".zip" only when it is exactly ".zip" (which safeStem's own
// separator trim then turns into "zip"). Working to this fixed point (rather than
// stripping once off the raw filename) is what keeps safeStem idempotent:
// a separator character sanitized away by the caller's underscore
// substitution can expose a ".zip" suffix that wasn't visible in the raw
// name, and that exposed suffix has to be stripped in the same call that
// exposed it, not left for a second call to find.
func stripTrailingZip(s string) string {
	for {
		trimmed := strings.TrimRight(s, "._-")
		if len(trimmed) <= 4 || !strings.EqualFold(trimmed[len(trimmed)-4:], ".zip") {
			return trimmed
		}
		s = trimmed[:len(trimmed)-4]
	}
}
