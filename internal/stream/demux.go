package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// Usage is the token accounting reported inline in a streamed frame, when
// the upstream includes it (e.g. in the final chunk of an
// stream_options.include_usage response).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is what Demux returns once the stream ends.
type Result struct {
	Usage *Usage
}

const doneSentinel = "[DONE]"

// Demux reads an SSE body, forwarding each content delta to sink and
// invoking onFirstDelta exactly once, before the first non-empty delta is
// written. Events are separated by the scanner's line boundaries; each data
// line is either the [DONE] sentinel (terminates the stream) or a JSON
// document. The content delta is read at path choices.0.delta.content or,
// failing that, choices.0.text. Malformed JSON frames are skipped rather
// than treated as an error.
func Demux(ctx context.Context, body io.Reader, sink Sink, onFirstDelta func()) (*Result, error) {
	scanner := NewScanner(body)
	result := &Result{}
	firstSent := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		line := scanner.Text()
		_, data, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if data == doneSentinel {
			return result, nil
		}
		if !gjson.Valid(data) {
			continue
		}

		parsed := gjson.Parse(data)
		if delta := contentDelta(parsed); delta != "" {
			if !firstSent {
				firstSent = true
				if onFirstDelta != nil {
					onFirstDelta()
				}
			}
			sink.WriteDelta(delta)
		}

		if u := parsed.Get("usage"); u.Exists() {
			result.Usage = &Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("stream: read: %w", err)
	}
	return result, nil
}

// contentDelta extracts the content delta from a parsed chunk, preferring
// choices.0.delta.content and falling back to choices.0.text.
func contentDelta(parsed gjson.Result) string {
	if d := parsed.Get("choices.0.delta.content"); d.Exists() && d.Type == gjson.String {
		return d.String()
	}
	if d := parsed.Get("choices.0.text"); d.Exists() && d.Type == gjson.String {
		return d.String()
	}
	return ""
}
