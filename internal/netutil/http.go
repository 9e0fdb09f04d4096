// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/netip"
	"net/textproto"
	"strings"
	"unicode/utf8"

	"github.com/geogram-dev/station/internal/domain"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NormalizeCallsign canonicalizes a callsign for registry keys: trimmed and
// upper-cased.  Callsign matching is case-insensitive everywhere.
func NormalizeCallsign(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ClassifyRemoteAddr infers a connection class from the peer's remote
// address.  Loopback and private ranges map to local-network, global
// unicast to internet, other parseable addresses to other.  An unparseable
// address yields unknown, which a later hello may refine.
func ClassifyRemoteAddr(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(host), "]"), "[")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return domain.ConnClassUnknown
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return domain.ConnClassLocal
	}
	if addr.IsGlobalUnicast() {
		return domain.ConnClassInternet
	}
	return domain.ConnClassOther
}

// RemoveHopByHopHeaders strips hop-by-hop headers that must not be tunneled
// to a device.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}

	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token)); key != "" {
				h.Del(key)
			}
		}
	}

	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// IsTextBody reports whether a request body can be forwarded over the tunnel
// as text.  The wire protocol carries request bodies as plain JSON strings,
// so anything that is not valid UTF-8 (or embeds NUL bytes) would be
// corrupted in transit and must be rejected instead.
func IsTextBody(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return utf8.Valid(b)
}
