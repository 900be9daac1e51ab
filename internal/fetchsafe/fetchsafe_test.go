package fetchsafe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_RejectsTemplateWithoutID(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, "https://example.com/records", 3); err == nil {
		t.Fatal("expected error for template missing {id}")
	}
}

func TestHostAllowed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		host      string
		allowlist []string
		want      bool
	}{
		{"api.example.com", []string{"api.example.com"}, true},
		{"api.example.com", []string{"*.example.com"}, true},
		{"evil.com", []string{"*.example.com"}, false},
		{"example.com", []string{"*.example.com"}, false}, // wildcard requires a subdomain
	}
	for _, c := range cases {
		if got := hostAllowed(c.host, c.allowlist); got != c.want {
			t.Errorf("hostAllowed(%q, %v) = %v, want %v", c.host, c.allowlist, got, c.want)
		}
	}
}

func TestIsDisallowedAddress(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.5", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
	}
	for _, c := range cases {
		ip := net.ParseIP(c.ip)
		if got := isDisallowedAddress(ip); got != c.want {
			t.Errorf("isDisallowedAddress(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestFetchAll_ParsesJSONAndRespectsMax(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f, err := NewWithClient([]string{"127.0.0.1"}, srv.URL+"/records/{id}", 2, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	entries := f.FetchAll(context.Background(), []string{"a", "b", "c"})
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (max respected)", len(entries))
	}
	for _, e := range entries {
		if e.JSON == nil {
			t.Fatalf("entry %+v missing parsed JSON", e)
		}
	}
}

func TestFetchAll_TruncatesNonJSONBody(t *testing.T) {
	t.Parallel()
	big := strings.Repeat("x", nonJSONTruncateBytes+1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	f, err := NewWithClient([]string{"127.0.0.1"}, srv.URL+"/records/{id}", 3, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	entries := f.FetchAll(context.Background(), []string{"a"})
	if len(entries[0].Text) != nonJSONTruncateBytes {
		t.Fatalf("text length = %d, want %d", len(entries[0].Text), nonJSONTruncateBytes)
	}
}

func TestFetchAll_RejectsHostNotInAllowlist(t *testing.T) {
	t.Parallel()
	f, err := NewWithClient([]string{"other.example.com"}, "http://127.0.0.1:9/records/{id}", 3, http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	entries := f.FetchAll(context.Background(), []string{"a"})
	if entries[0].Error == "" {
		t.Fatal("expected allowlist rejection error")
	}
}
