package server

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"github.com/geogram-dev/station/internal/domain"
	"github.com/geogram-dev/station/internal/stationproto"
)

// call forwards one HTTP request to a device over its session channel and
// waits for the correlated reply.
//
// A missing device fails immediately and sends nothing.  A device that does
// not reply within the configured bound fails with ErrTunnelTimeout; the
// pending entry is removed on every exit path exactly once, so a late reply
// is dropped by the read loop rather than leaking.
func (s *Server) call(callsign, method, path string, headers map[string]string, body string) (*stationproto.HTTPResponse, error) {
	sess, ok := s.hub.lookup(callsign)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, callsign)
	}

	reqID := s.requestID(callsign)
	data, err := stationproto.EncodeRequest(stationproto.HTTPRequest{
		RequestID: reqID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	})
	if err != nil {
		return nil, err
	}

	// Buffered so the read loop never blocks handing over the reply.
	ch := make(chan *stationproto.HTTPResponse, 1)
	sess.pendingStore(reqID, ch)

	if err := sess.writeFrame(data); err != nil {
		sess.pendingDelete(reqID)
		return nil, fmt.Errorf("session write: %w", err)
	}

	timer := s.clock.Timer(s.cfg.TunnelTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			// Session closed while we were waiting; the read loop already
			// removed the pending entry.
			return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, callsign)
		}
		return resp, nil
	case <-timer.C:
		sess.pendingDelete(reqID)
		s.log.Warn("tunnel call timed out", "callsign", callsign, "req_id", reqID, "path", path)
		return nil, fmt.Errorf("%w: %s %s", domain.ErrTunnelTimeout, callsign, path)
	}
}

// requestID builds a correlation id from the current time and a hash of the
// target callsign.  Not collision-proof: two calls to one target in the
// same nanosecond would collide, in which case the first caller times out.
func (s *Server) requestID(callsign string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callsign))
	return fmt.Sprintf("req_%d_%08x", s.clock.Now().UnixNano(), h.Sum32())
}

// tunnelContentTypes is the whitelist mapped onto outer responses.  Anything
// else is served as plain text.
var tunnelContentTypes = []string{
	"application/json",
	"text/html",
	"text/plain",
}

// writeTunneled reconstructs the outer HTTP response from a device reply.
func (s *Server) writeTunneled(w http.ResponseWriter, resp *stationproto.HTTPResponse) {
	body, err := resp.DecodeBody()
	if err != nil {
		s.log.Warn("undecodable tunnel reply body", "req_id", resp.RequestID, "err", err)
		http.Error(w, "bad gateway: undecodable device reply", http.StatusBadGateway)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if ct := headerValue(resp.Headers, "content-type"); ct != "" {
		for _, allowed := range tunnelContentTypes {
			if strings.HasPrefix(strings.ToLower(ct), allowed) {
				contentType = ct
				break
			}
		}
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// flattenHeaders converts an http.Header to the single-valued map the wire
// protocol carries, keeping the first value of each header.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
