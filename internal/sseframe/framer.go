// Package sseframe splits a byte stream into Server-Sent Events. It is
// deliberately hand-rolled rather than delegated to a provider SDK: the
// same framer drives all four providers' Stream Handlers, so its
// line-splitting behavior is a single, independently testable module
// (including the concatenation property: feeding the bytes of one
// stream in two arbitrary chunks yields the same events as feeding
// them in one).
package sseframe

import (
	"strings"
)

// Event is one framed SSE message.
type Event struct {
	// Type is the "event:" field, defaulting to "message" when absent.
	Type string
	// Data is the payload: multiple "data:" lines are joined with "\n".
	Data string
}

// Framer is restartable across chunk boundaries: Feed may be called
// any number of times with arbitrary chunking of the same logical
// stream, and the emitted events are identical regardless of the
// split points.
type Framer struct {
	buf strings.Builder
}

// New returns an empty Framer ready to consume chunks.
func New() *Framer {
	return &Framer{}
}

// Feed appends chunk to the internal buffer and returns every complete
// event block found so far. Any trailing partial block is retained for
// the next call.
func (f *Framer) Feed(chunk []byte) []Event {
	f.buf.Write(chunk)
	raw := f.buf.String()

	blocks, rest := splitBlocks(raw)

	f.buf.Reset()
	f.buf.WriteString(rest)

	events := make([]Event, 0, len(blocks))
	for _, block := range blocks {
		if ev, ok := parseBlock(block); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush must be called once the underlying byte stream has ended; it
// drains any tail that never received a trailing blank line. Providers
// that terminate a stream without a final blank line (uncommon, but
// not disallowed by the SSE spec) still yield their last event.
func (f *Framer) Flush() []Event {
	raw := f.buf.String()
	f.buf.Reset()
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if ev, ok := parseBlock(raw); ok {
		return []Event{ev}
	}
	return nil
}

// splitBlocks splits raw on a blank line (accepting bare "\n\n" or
// CRLF "\r\n\r\n") and returns the complete blocks plus the
// unterminated tail.
func splitBlocks(raw string) (blocks []string, rest string) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")

	for {
		idx := strings.Index(normalized, "\n\n")
		if idx < 0 {
			break
		}
		blocks = append(blocks, normalized[:idx])
		normalized = normalized[idx+2:]
	}
	return blocks, normalized
}

// parseBlock turns one event block's lines into an Event. A block with
// no recognized "event:"/"data:" fields but that looks like bare JSON
// is accepted leniently as a data-only event (some providers stream
// raw JSON objects without SSE field prefixes).
func parseBlock(block string) (Event, bool) {
	lines := strings.Split(block, "\n")

	eventType := ""
	var dataLines []string
	sawField := false

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			sawField = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			sawField = true
		case strings.HasPrefix(line, ":"):
			// comment line, ignored
		case strings.HasPrefix(line, "{") || strings.HasPrefix(line, "["):
			dataLines = append(dataLines, line)
		}
	}

	if !sawField && len(dataLines) == 0 {
		return Event{}, false
	}

	if eventType == "" {
		eventType = "message"
	}

	return Event{Type: eventType, Data: strings.Join(dataLines, "\n")}, true
}
