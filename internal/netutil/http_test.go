package netutil

import (
	"net/http"
	"testing"

	"github.com/geogram-dev/station/internal/domain"
)

func TestNormalizeCallsign(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"x3abcd":    "X3ABCD",
		" X3abCD ":  "X3ABCD",
		"X3ABCD":    "X3ABCD",
		"":          "",
		"  x3zzzz ": "X3ZZZZ",
	}

	for in, want := range tests {
		if got := NormalizeCallsign(in); got != want {
			t.Fatalf("NormalizeCallsign(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestClassifyRemoteAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"127.0.0.1:52110":     domain.ConnClassLocal,
		"192.168.1.20:9001":   domain.ConnClassLocal,
		"10.0.0.5:1234":       domain.ConnClassLocal,
		"[::1]:8080":          domain.ConnClassLocal,
		"fe80::1%eth0":        domain.ConnClassLocal,
		"203.0.113.9:443":     domain.ConnClassInternet,
		"[2001:db8::10]:9000": domain.ConnClassInternet,
		"224.0.0.1:5353":      domain.ConnClassOther,
		"not-an-address":      domain.ConnClassUnknown,
		"":                    domain.ConnClassUnknown,
	}

	for in, want := range tests {
		if got := ClassifyRemoteAddr(in); got != want {
			t.Fatalf("ClassifyRemoteAddr(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{
		"Connection":        {"keep-alive, upgrade, X-Internal-Hop"},
		"Keep-Alive":        {"timeout=5"},
		"Proxy-Connection":  {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"websocket"},
		"X-Internal-Hop":    {"drop-me"},
		"X-Keep":            {"keep-me"},
	}

	RemoveHopByHopHeaders(h)

	for _, key := range []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Connection",
		"Transfer-Encoding",
		"Upgrade",
		"X-Internal-Hop",
	} {
		if got := h.Get(key); got != "" {
			t.Fatalf("expected %s to be removed, got %q", key, got)
		}
	}
	if got := h.Get("X-Keep"); got != "keep-me" {
		t.Fatalf("expected X-Keep to be preserved, got %q", got)
	}
}

func TestIsTextBody(t *testing.T) {
	t.Parallel()

	if !IsTextBody(nil) {
		t.Fatal("expected empty body to count as text")
	}
	if !IsTextBody([]byte(`{"lat": 38.72, "note": "café"}`)) {
		t.Fatal("expected UTF-8 JSON body to count as text")
	}
	if IsTextBody([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}) {
		t.Fatal("expected PNG bytes to be rejected")
	}
	if IsTextBody([]byte{'a', 0x00, 'b'}) {
		t.Fatal("expected NUL-embedded body to be rejected")
	}
}
