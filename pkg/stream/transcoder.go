// Package stream demultiplexes an upstream SSE token stream into chat
// content and a trailing metadata block, and re-emits it as the outward SSE
// contract: content deltas, exactly one metadata event, exactly one [DONE].
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// MetadataDelimiter separates human-readable chat text from the trailing
// JSON analytics block inside the upstream token stream.
const MetadataDelimiter = "\n\n<<METADATA_JSON>>\n"

// Metadata is all-or-nothing: absent or malformed JSON yields empty strings,
// never a partially populated value.
type Metadata struct {
	Analysis   string `json:"analysis"`
	Weaknesses string `json:"weaknesses"`
	Conclusion string `json:"conclusion"`
}

type EventKind int

const (
	EventContentDelta EventKind = iota
	EventMetadata
	EventDone
)

type Event struct {
	Kind     EventKind
	Content  string
	Metadata Metadata
}

// Demuxer incrementally consumes upstream SSE bytes in arbitrarily sized
// chunks. Frame boundaries and the delimiter itself may be split across
// chunks; a carry-over line buffer and a held-back delimiter prefix make the
// output independent of chunking. Finish is idempotent and is the only
// producer of the Metadata and Done events.
type Demuxer struct {
	pending  []byte // carry-over for a split SSE line
	fullText []byte // accumulated decoded content
	delimIdx int    // byte offset of the delimiter in fullText, -1 until seen
	sentLen  int    // length of fullText already emitted as deltas
	finished bool
}

func NewDemuxer() *Demuxer {
	return &Demuxer{pending: make([]byte, 0, 1024), delimIdx: -1}
}

// Consume feeds one chunk of upstream bytes and returns any content deltas
// that became safe to emit.
func (d *Demuxer) Consume(chunk []byte) []Event {
	if d.finished || len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)
	var events []Event
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			return events
		}
		line := string(d.pending[:idx])
		d.pending = d.pending[idx+1:]
		if ev, ok := d.handleLine(line); ok {
			events = append(events, ev)
		}
	}
}

func (d *Demuxer) handleLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return Event{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		// EOF is the single end-of-stream authority; the sentinel is framing.
		return Event{}, false
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Malformed frames are dropped, not fatal.
		return Event{}, false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return Event{}, false
	}
	return d.handleContent(chunk.Choices[0].Delta.Content)
}

// handleContent appends a decoded fragment and emits the newly available
// chat text. Only the suffix since the last emission is forwarded, and a
// tail that could still turn out to be the start of the delimiter is held
// back until disambiguated — no re-transmission, no loss.
func (d *Demuxer) handleContent(content string) (Event, bool) {
	d.fullText = append(d.fullText, content...)

	if d.delimIdx < 0 {
		if idx := bytes.Index(d.fullText, []byte(MetadataDelimiter)); idx >= 0 {
			d.delimIdx = idx
		}
	}

	safeLen := len(d.fullText)
	if d.delimIdx >= 0 {
		safeLen = d.delimIdx
	} else {
		safeLen -= partialDelimiterSuffix(d.fullText)
	}

	if safeLen > d.sentLen {
		delta := string(d.fullText[d.sentLen:safeLen])
		d.sentLen = safeLen
		return Event{Kind: EventContentDelta, Content: delta}, true
	}
	return Event{}, false
}

// partialDelimiterSuffix reports the length of the longest suffix of text
// that is a proper prefix of the delimiter.
func partialDelimiterSuffix(text []byte) int {
	max := len(MetadataDelimiter) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if bytes.HasSuffix(text, []byte(MetadataDelimiter[:n])) {
			return n
		}
	}
	return 0
}

// Finish flushes any buffered tail and emits the terminal events. It runs
// exactly once regardless of how the stream ended; later calls return nil.
func (d *Demuxer) Finish() []Event {
	if d.finished {
		return nil
	}
	d.finished = true

	var events []Event
	if len(d.pending) > 0 {
		if ev, ok := d.handleLine(string(d.pending)); ok {
			events = append(events, ev)
		}
		d.pending = nil
	}

	// A delimiter prefix that never completed was chat text all along.
	if d.delimIdx < 0 && len(d.fullText) > d.sentLen {
		events = append(events, Event{
			Kind:    EventContentDelta,
			Content: string(d.fullText[d.sentLen:]),
		})
		d.sentLen = len(d.fullText)
	}

	events = append(events,
		Event{Kind: EventMetadata, Metadata: d.metadata()},
		Event{Kind: EventDone},
	)
	return events
}

func (d *Demuxer) metadata() Metadata {
	if d.delimIdx < 0 {
		return Metadata{}
	}
	raw := strings.TrimSpace(string(d.fullText[d.delimIdx+len(MetadataDelimiter):]))
	if raw == "" {
		return Metadata{}
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return Metadata{}
	}
	return meta
}
