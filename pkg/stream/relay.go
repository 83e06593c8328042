package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type ssePayload struct {
	Choices []ssePayloadChoice `json:"choices,omitempty"`
	Type    string             `json:"type,omitempty"`
	Data    *Metadata          `json:"data,omitempty"`
}

type ssePayloadChoice struct {
	Delta ssePayloadDelta `json:"delta"`
}

type ssePayloadDelta struct {
	Content string `json:"content"`
}

func encodeEvent(ev Event) []byte {
	if ev.Kind == EventDone {
		return []byte("data: [DONE]\n\n")
	}
	var payload ssePayload
	switch ev.Kind {
	case EventContentDelta:
		payload.Choices = []ssePayloadChoice{{Delta: ssePayloadDelta{Content: ev.Content}}}
	case EventMetadata:
		meta := ev.Metadata
		payload.Type = "metadata"
		payload.Data = &meta
	}
	b, _ := json.Marshal(payload)
	return []byte("data: " + string(b) + "\n\n")
}

// Relay pumps the upstream body through the demuxer and writes the outward
// SSE stream, flushing per event. By the time this runs the response status
// is already committed, so upstream read errors are an implicit end of
// stream: the terminal Metadata and [DONE] events are still written. The
// upstream body is closed on every exit path.
func Relay(ctx context.Context, w http.ResponseWriter, upstream io.ReadCloser) error {
	defer upstream.Close()
	flusher, _ := w.(http.Flusher)

	d := NewDemuxer()
	writeEvents := func(events []Event) error {
		for _, ev := range events {
			if _, err := w.Write(encodeEvent(ev)); err != nil {
				return err
			}
		}
		if flusher != nil && len(events) > 0 {
			flusher.Flush()
		}
		return nil
	}

	buf := make([]byte, 32<<10)
	for {
		select {
		case <-ctx.Done():
			// Client went away; still run the finish path so the demuxer
			// state is settled, then let the deferred Close release the
			// upstream reader.
			_ = writeEvents(d.Finish())
			return ctx.Err()
		default:
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			if err := writeEvents(d.Consume(buf[:n])); err != nil {
				d.Finish()
				return fmt.Errorf("write to client: %w", err)
			}
		}
		if readErr != nil {
			// EOF and mid-stream read failures end the stream the same way.
			return writeEvents(d.Finish())
		}
	}
}

// Collect aggregates a whole upstream stream for non-streaming callers.
func Collect(upstream io.ReadCloser) (string, Metadata, error) {
	defer upstream.Close()
	d := NewDemuxer()
	var content strings.Builder
	var meta Metadata

	apply := func(events []Event) {
		for _, ev := range events {
			switch ev.Kind {
			case EventContentDelta:
				content.WriteString(ev.Content)
			case EventMetadata:
				meta = ev.Metadata
			}
		}
	}

	buf := make([]byte, 32<<10)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			apply(d.Consume(buf[:n]))
		}
		if readErr != nil {
			apply(d.Finish())
			if readErr == io.EOF {
				return content.String(), meta, nil
			}
			return content.String(), meta, readErr
		}
	}
}
