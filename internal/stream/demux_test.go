package stream

import (
	"context"
	"strings"
	"testing"
)

func sseBody(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestDemux_ContentDelta(t *testing.T) {
	t.Parallel()

	body := sseBody(
		`{"choices":[{"index":0,"delta":{"content":"Hi "}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"there"}}]}`,
	)

	sink := &BufferedSink{}
	firstCalls := 0
	_, err := Demux(context.Background(), strings.NewReader(body), sink, func() { firstCalls++ })
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if got := sink.String(); got != "Hi there" {
		t.Fatalf("captured = %q, want %q", got, "Hi there")
	}
	if firstCalls != 1 {
		t.Fatalf("onFirstDelta called %d times, want 1", firstCalls)
	}
}

func TestDemux_TextFallbackPath(t *testing.T) {
	t.Parallel()

	body := sseBody(`{"choices":[{"index":0,"text":"legacy"}]}`)
	sink := &BufferedSink{}
	if _, err := Demux(context.Background(), strings.NewReader(body), sink, nil); err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if got := sink.String(); got != "legacy" {
		t.Fatalf("captured = %q, want %q", got, "legacy")
	}
}

func TestDemux_MalformedFramesSkipped(t *testing.T) {
	t.Parallel()

	body := "data: {not json\n\n" +
		`data: {"choices":[{"index":0,"delta":{"content":"ok"}}]}` + "\n\n" +
		"data: [DONE]\n\n"

	sink := &BufferedSink{}
	if _, err := Demux(context.Background(), strings.NewReader(body), sink, nil); err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if got := sink.String(); got != "ok" {
		t.Fatalf("captured = %q, want %q", got, "ok")
	}
}

func TestDemux_UsageFromFinalFrame(t *testing.T) {
	t.Parallel()

	body := sseBody(
		`{"choices":[{"index":0,"delta":{"content":"x"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	)
	sink := &SilentSink{}
	res, err := Demux(context.Background(), strings.NewReader(body), sink, nil)
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v, want total 15", res.Usage)
	}
}

func TestDemux_DoneTerminatesBeforeTrailingFrames(t *testing.T) {
	t.Parallel()

	body := "data: [DONE]\n\n" +
		`data: {"choices":[{"index":0,"delta":{"content":"late"}}]}` + "\n\n"

	sink := &BufferedSink{}
	if _, err := Demux(context.Background(), strings.NewReader(body), sink, nil); err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if got := sink.String(); got != "" {
		t.Fatalf("captured = %q, want empty", got)
	}
}

func TestBufferedSink_ForwardsAndCaptures(t *testing.T) {
	t.Parallel()

	var forwarded strings.Builder
	inner := WriterFunc(func(d string) { forwarded.WriteString(d) })
	b := &BufferedSink{Inner: inner}
	b.WriteDelta("a")
	b.WriteDelta("b")

	if b.String() != "ab" {
		t.Fatalf("captured = %q, want %q", b.String(), "ab")
	}
	if forwarded.String() != "ab" {
		t.Fatalf("forwarded = %q, want %q", forwarded.String(), "ab")
	}
}

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line      string
		wantEvent string
		wantData  string
		wantOK    bool
	}{
		{"", "", "", false},
		{": comment", "", "", false},
		{"event: ping", "ping", "", true},
		{"data: hello", "", "hello", true},
		{"garbage", "", "", false},
	}
	for _, c := range cases {
		event, data, ok := ParseSSELine(c.line)
		if event != c.wantEvent || data != c.wantData || ok != c.wantOK {
			t.Errorf("ParseSSELine(%q) = (%q,%q,%v), want (%q,%q,%v)",
				c.line, event, data, ok, c.wantEvent, c.wantData, c.wantOK)
		}
	}
}
