package invoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func collectLines() (*[]string, func(string)) {
	var lines []string
	return &lines, func(line string) { lines = append(lines, line) }
}

func TestLineBuffer_SplitsAcrossChunks(t *testing.T) {
	lines, emit := collectLines()
	lb := newLineBuffer(emit)

	lb.Write("first li")
	lb.Write("ne\nsecond line\npar")
	lb.Write("tial")
	assert.Equal(t, []string{"first line", "second line"}, *lines)

	lb.Flush()
	assert.Equal(t, []string{"first line", "second line", "partial"}, *lines)
}

func TestLineBuffer_CRLF(t *testing.T) {
	lines, emit := collectLines()
	lb := newLineBuffer(emit)
	lb.Write("windows\r\nunix\nmixed\r\n")
	assert.Equal(t, []string{"windows", "unix", "mixed"}, *lines)
}

func TestLineBuffer_EmptyLines(t *testing.T) {
	lines, emit := collectLines()
	lb := newLineBuffer(emit)
	lb.Write("\n\na\n")
	assert.Equal(t, []string{"", "", "a"}, *lines)
}

func TestLineBuffer_FlushOnEmptyIsNoOp(t *testing.T) {
	lines, emit := collectLines()
	lb := newLineBuffer(emit)
	lb.Flush()
	lb.Write("")
	lb.Flush()
	assert.Empty(t, *lines)
}
