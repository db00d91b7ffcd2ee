package invoker

import "strings"

// lineBuffer accumulates text chunks and emits complete lines, splitting on
// both \n and \r\n. A trailing partial line is emitted by Flush when the
// stream closes.
type lineBuffer struct {
	pending strings.Builder
	emit    func(line string)
}

func newLineBuffer(emit func(line string)) *lineBuffer {
	return &lineBuffer{emit: emit}
}

// Write appends a chunk and emits every complete line it closes.
func (b *lineBuffer) Write(chunk string) {
	if chunk == "" {
		return
	}
	b.pending.WriteString(chunk)
	buffered := b.pending.String()

	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(buffered[:idx], "\r")
		b.emit(line)
		buffered = buffered[idx+1:]
	}

	b.pending.Reset()
	b.pending.WriteString(buffered)
}

// Flush emits any trailing partial line. Safe to call on an empty buffer.
func (b *lineBuffer) Flush() {
	if b.pending.Len() == 0 {
		return
	}
	b.emit(b.pending.String())
	b.pending.Reset()
}
