package runner

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTail_ShortStringPassesThroughTrimmed(t *testing.T) {
	assert.Equal(t, "hello world", Tail("  hello world  \n"))
}

func TestTail_TruncatesToMaxLines(t *testing.T) {
	lines := make([]string, MaxTailLines+10)
	for i := range lines {
		lines[i] = "line"
	}
	s := strings.Join(lines, "\n")
	got := Tail(s)
	assert.Equal(t, MaxTailLines, strings.Count(got, "\n")+1)
}

func TestTail_TruncatesToMaxBytes(t *testing.T) {
	s := strings.Repeat("a", MaxTailBytes*2)
	got := Tail(s)
	assert.LessOrEqual(t, len(got), MaxTailBytes)
}

func TestTail_PrefersWhicheverIsShorter(t *testing.T) {
	// Many long lines: the last MaxTailLines lines (40 x 200 bytes) exceed
	// MaxTailBytes, so the byte-limited result is shorter and Tail should
	// return the byte-limited text.
	lines := make([]string, 1000)
	for i := range lines {
		lines[i] = strings.Repeat("x", 200)
	}
	s := strings.Join(lines, "\n")
	got := Tail(s)
	assert.LessOrEqual(t, len(got), MaxTailBytes)
}

func TestTail_ReplacesInvalidUTF8(t *testing.T) {
	invalid := "valid text \xff\xfe more text"
	got := Tail(invalid)
	assert.True(t, utf8.ValidString(got))
}

func TestTail_EmptyStringReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", Tail(""))
}
