package publisher

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapLinesRespectsLimits(t *testing.T) {
	lines := WrapLines("This is a very long sentence that exceeds the line limit by quite a lot")
	require.LessOrEqual(t, len(lines), 2)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 32)
	}
}

func TestWrapLinesDropsRemainderBeyondTwoLines(t *testing.T) {
	lines := WrapLines(strings.Repeat("word ", 40))
	assert.Len(t, lines, 2)
}

func TestFormatLongSentenceSingleLine(t *testing.T) {
	got := Format("This is a very long sentence that exceeds the line limit by quite a lot")
	assert.LessOrEqual(t, len(got), 64)
	assert.NotContains(t, got, "\n")
	assert.Equal(t, "This is a very long sentence that exceeds the line limit by", got)
}

func TestFormatTruncatesWithEllipsis(t *testing.T) {
	long := strings.Repeat("a", 32) + " " + strings.Repeat("b", 32)
	got := Format(long)
	assert.LessOrEqual(t, len(got), 64)
	assert.True(t, strings.HasSuffix(got, "..."), "truncated output must end in ellipsis, got %q", got)
}

func TestFormatShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "Hello world", Format("Hello world"))
}

func TestFormatStripsControlCharsAndCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", Format("a\x00b \t\n  c"))
}

func TestFormatEmpty(t *testing.T) {
	assert.Equal(t, "", Format("   "))
}

func TestTruncateNoopWithinLimit(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 64))
}

func TestTruncateCutsAtLimit(t *testing.T) {
	got := Truncate(strings.Repeat("x", 100), 64)
	assert.Len(t, got, 64)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestFormatMultiByteNeverCutsMidRune(t *testing.T) {
	got := Format(strings.Repeat("世", 30))
	assert.LessOrEqual(t, len(got), 64)
	assert.True(t, utf8.ValidString(got), "formatted caption must stay valid UTF-8, got %q", got)
}

func TestTruncateMultiByteOnRuneBoundary(t *testing.T) {
	got := Truncate(strings.Repeat("界", 40), 64)
	assert.LessOrEqual(t, len(got), 64)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.True(t, utf8.ValidString(got), "truncation must end on a rune boundary, got %q", got)
}

func TestWrapLinesMultiByteWordStaysValid(t *testing.T) {
	lines := WrapLines(strings.Repeat("あ", 20))
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 32)
		assert.True(t, utf8.ValidString(line), "wrapped line must stay valid UTF-8, got %q", line)
	}
}
