package invoker

import (
	"bufio"
	"encoding/json"
	"io"
)

// streamFrame is the subset of the agent's stream-json frames we read.
// Three channels can carry human-readable text, in preference order:
//
//  1. content_block_delta frames (token-by-token streaming),
//  2. assistant message content blocks (whole-message fallback),
//  3. the final result frame (terminal fallback).
//
// Once a delta has been seen the fallback channels are ignored: they
// repeat text the deltas already delivered.
type streamFrame struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result string `json:"result"`
}

// textExtractor pulls human-readable text out of a frame sequence.
type textExtractor struct {
	sawDelta bool
}

// extract returns the text carried by one frame, or "" when the frame
// carries none (or is superseded by earlier deltas).
func (e *textExtractor) extract(f *streamFrame) string {
	switch f.Type {
	case "content_block_delta":
		if f.Delta.Text != "" {
			e.sawDelta = true
			return f.Delta.Text
		}
	case "assistant":
		if e.sawDelta {
			return ""
		}
		var text string
		for _, block := range f.Message.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return text
	case "result":
		if e.sawDelta {
			return ""
		}
		return f.Result
	}
	return ""
}

// maxFrameBytes bounds a single stream-json frame. Oversized frames are
// dropped with the rest of the malformed input.
const maxFrameBytes = 1024 * 1024

// consumeStreamJSON reads newline-delimited JSON frames from r, extracts
// the preferred text channel, scrubs it, and feeds the line buffer.
// Unparseable lines are dropped silently: the agent interleaves diagnostics
// with frames and only the frames matter.
func (inv *Invoker) consumeStreamJSON(r io.Reader, lb *lineBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	extractor := &textExtractor{}
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if text := extractor.extract(&frame); text != "" {
			lb.Write(inv.scrubber.Scrub(text))
		}
	}
}
