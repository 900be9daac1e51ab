package router

import (
	"strings"
	"sync"
	"time"

	"github.com/routepilot/routepilot/internal/stream"
)

// gatedSink buffers deltas for up to gate before forwarding any of them to
// inner, so that a stall discovered shortly after the first bytes arrive can
// still fall back without having already written partial output to the
// caller's sink.
type gatedSink struct {
	inner stream.Sink
	gate  time.Duration
	start time.Time

	mu     sync.Mutex
	buf    strings.Builder
	opened bool
}

func newGatedSink(inner stream.Sink, gate time.Duration) *gatedSink {
	return &gatedSink{inner: inner, gate: gate, start: time.Now()}
}

// WriteDelta implements stream.Sink.
func (g *gatedSink) WriteDelta(delta string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.opened {
		g.inner.WriteDelta(delta)
		return
	}
	if time.Since(g.start) >= g.gate {
		g.open()
		g.inner.WriteDelta(delta)
		return
	}
	g.buf.WriteString(delta)
}

// flush forwards anything still buffered once the attempt has succeeded.
// Call it only after the stream completes normally; a failed attempt must
// never flush, so its buffered bytes are discarded along with the failure.
func (g *gatedSink) flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.opened {
		g.open()
	}
}

func (g *gatedSink) open() {
	g.opened = true
	if g.buf.Len() > 0 {
		g.inner.WriteDelta(g.buf.String())
		g.buf.Reset()
	}
}
