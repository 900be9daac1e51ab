package router

import (
	"errors"
	"testing"

	"github.com/routepilot/routepilot/internal/routepilot"
)

func TestClassifyReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		stalled bool
		want    string
	}{
		{"stall timer", errors.New("context canceled"), true, "stall"},
		{"rate limit", &routepilot.GatewayError{Status: 429}, false, "rate_limit"},
		{"server error", &routepilot.GatewayError{Status: 503}, false, "5xx"},
		{"boundary 500", &routepilot.GatewayError{Status: 500}, false, "5xx"},
		{"other http status", &routepilot.GatewayError{Status: 400}, false, "http_400"},
		{"generic error", errors.New("dial tcp: connection refused"), false, "error"},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyReason(c.err, c.stalled); got != c.want {
				t.Errorf("classifyReason(%v, %v) = %q, want %q", c.err, c.stalled, got, c.want)
			}
		})
	}
}
