// Package gatewayclient implements the single typed call to the upstream
// OpenAI-compatible chat-completions endpoint, with cancellation.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// ChatRequest is the OpenAI-compatible request body the router builds for
// every attempt.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message is one OpenAI-compatible chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NonStreamResponse is the body of a non-streaming chat completion, used
// for the inference driver's optional usage probe.
type NonStreamResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// Usage is token accounting reported by a non-streaming response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client calls one upstream OpenAI-compatible gateway.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client whose transport uses cached DNS resolution when
// resolver is non-nil, mirroring the pooled-transport tuning every provider
// adapter in the reference gateway applies.
func New(baseURL, apiKey string, resolver *dnscache.Resolver) *Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Transport: t},
	}
}

// Stream opens a streaming chat completion and returns the raw HTTP
// response for the caller (the router) to hand to the stream demultiplexer.
// The caller owns resp.Body and must close it on every exit path.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	resp, err := c.do(ctx, &outReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseGatewayError(resp)
	}
	return resp, nil
}

// NonStream issues a single non-streaming call, used by the usage probe
// (max_tokens=1 to read reported usage without generating real output).
func (c *Client) NonStream(ctx context.Context, req *ChatRequest) (*NonStreamResponse, error) {
	outReq := *req
	outReq.Stream = false
	resp, err := c.do(ctx, &outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseGatewayError(resp)
	}
	var out NonStreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gatewayclient: decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: do request: %w", err)
	}
	return resp, nil
}

// parseGatewayError reads up to 300 bytes of the body (the GatewayError.Body
// limit) and returns a *routepilot.GatewayError.
func parseGatewayError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
	return &routepilot.GatewayError{Status: resp.StatusCode, Body: routepilot.ShortBody(body, 300)}
}

// UsageHeaders recognizes the response-header families the spec requires:
// x-usage-{prompt,completion,total}-tokens, vercel-ai-*-tokens,
// openai-*-tokens, and generically any header whose name contains "tokens"
// combined with prompt|completion|total.
func UsageHeaders(h http.Header) (prompt, completion, total int, ok bool) {
	get := func(names ...string) (int, bool) {
		for _, n := range names {
			if v := h.Get(n); v != "" {
				var n int
				if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
					return n, true
				}
			}
		}
		return 0, false
	}

	p, pOK := get("x-usage-prompt-tokens", "vercel-ai-prompt-tokens", "openai-prompt-tokens")
	c, cOK := get("x-usage-completion-tokens", "vercel-ai-completion-tokens", "openai-completion-tokens")
	t, tOK := get("x-usage-total-tokens", "vercel-ai-total-tokens", "openai-total-tokens")

	if !pOK || !cOK {
		for name := range h {
			lower := strings.ToLower(name)
			if !strings.Contains(lower, "tokens") {
				continue
			}
			switch {
			case !pOK && strings.Contains(lower, "prompt"):
				if v, e := get(name); e {
					p, pOK = v, true
				}
			case !cOK && strings.Contains(lower, "completion"):
				if v, e := get(name); e {
					c, cOK = v, true
				}
			case !tOK && strings.Contains(lower, "total"):
				if v, e := get(name); e {
					t, tOK = v, true
				}
			}
		}
	}
	return p, c, t, pOK && cOK
}
