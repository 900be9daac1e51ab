package gatewayclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/routepilot/routepilot/internal/routepilot"
)

func TestClient_Stream_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", nil)
	resp, err := c.Stream(context.Background(), &ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestClient_Stream_GatewayError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "Service Unavailable")
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", nil)
	_, err := c.Stream(context.Background(), &ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	var gerr *routepilot.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %v, want *routepilot.GatewayError", err)
	}
	if gerr.Status != 503 {
		t.Fatalf("status = %d, want 503", gerr.Status)
	}
}

func TestUsageHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("X-Usage-Prompt-Tokens", "12")
	h.Set("X-Usage-Completion-Tokens", "34")
	h.Set("X-Usage-Total-Tokens", "46")

	p, c, tot, ok := UsageHeaders(h)
	if !ok || p != 12 || c != 34 || tot != 46 {
		t.Fatalf("UsageHeaders = (%d,%d,%d,%v), want (12,34,46,true)", p, c, tot, ok)
	}
}

func TestUsageHeaders_GenericFallback(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Anthropic-Prompt-Tokens", "5")
	h.Set("Anthropic-Completion-Tokens", "7")

	p, c, _, ok := UsageHeaders(h)
	if !ok || p != 5 || c != 7 {
		t.Fatalf("UsageHeaders = (%d,%d,_,%v), want (5,7,_,true)", p, c, ok)
	}
}

func TestUsageHeaders_Absent(t *testing.T) {
	t.Parallel()

	_, _, _, ok := UsageHeaders(http.Header{})
	if ok {
		t.Fatal("expected ok=false when no usage headers present")
	}
}
