package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/geogram-dev/station/internal/domain"
	"github.com/geogram-dev/station/internal/netutil"
	"github.com/geogram-dev/station/internal/tiles"
)

// route pairs a structured matcher with its handler.  The table is
// evaluated in order once per request; the first match wins.
type route struct {
	name  string
	match func(r *http.Request) http.HandlerFunc
}

// reservedPrefixes are first path segments that never address a device.
var reservedPrefixes = map[string]bool{
	"api":     true,
	"tiles":   true,
	"ws":      true,
	"healthz": true,
}

func (s *Server) buildRoutes() []route {
	return []route{
		{name: "healthz", match: exact(http.MethodGet, "/healthz", s.handleHealthz)},
		{name: "connect", match: exact(http.MethodGet, "/ws", s.handleConnect)},
		{name: "status", match: exact(http.MethodGet, "/api/status", s.handleStatus)},
		{name: "devices", match: exact(http.MethodGet, "/api/devices", s.handleDevices)},
		{name: "providers", match: exact(http.MethodGet, "/api/backup/providers/available", s.handleProviders)},
		{name: "tiles", match: s.matchTile},
		{name: "device-api", match: s.matchDeviceAPI},
		{name: "device-content", match: s.matchDeviceContent},
	}
}

// ServeHTTP dispatches through the ordered route table.  Panics in any
// handler are converted to a 500 so one bad request cannot take the
// listener down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic serving request",
				"method", r.Method, "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	for _, rt := range s.routes {
		if h := rt.match(r); h != nil {
			h(w, r)
			return
		}
	}
	http.NotFound(w, r)
}

func exact(method, path string, h http.HandlerFunc) func(*http.Request) http.HandlerFunc {
	return func(r *http.Request) http.HandlerFunc {
		if r.URL.Path != path {
			return nil
		}
		if r.Method != method {
			return func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		}
		return h
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Service        string    `json:"service"`
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	ServerID       string    `json:"server_id"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	Devices        int       `json:"devices"`
	Providers      int       `json:"backup_providers"`
	TileMemEntries int       `json:"tile_mem_entries"`
	TileMemBytes   int64     `json:"tile_mem_bytes"`
	TileHits       int64     `json:"tile_hits"`
	TileMisses     int64     `json:"tile_misses"`
	Time           time.Time `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	ts := s.tiles.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		Service:        "geogram-station",
		Name:           s.cfg.StationName,
		Version:        s.version,
		ServerID:       s.serverID,
		UptimeSeconds:  int64(now.Sub(s.startedAt).Seconds()),
		Devices:        s.hub.len(),
		Providers:      s.presence.Len(),
		TileMemEntries: ts.MemEntries,
		TileMemBytes:   ts.MemBytes,
		TileHits:       ts.Hits,
		TileMisses:     ts.Misses,
		Time:           now.UTC(),
	})
}

type deviceResponse struct {
	Callsign     string    `json:"callsign"`
	Nickname     string    `json:"nickname,omitempty"`
	Npub         string    `json:"npub,omitempty"`
	ConnClass    string    `json:"connection"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	ConnectCount int64     `json:"connect_count,omitempty"`
}

// knownDeviceResponse is a previously seen device with no live session,
// reconstructed from the persisted history.
type knownDeviceResponse struct {
	Callsign     string    `json:"callsign"`
	Nickname     string    `json:"nickname,omitempty"`
	Npub         string    `json:"npub,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	ConnectCount int64     `json:"connect_count"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.hub.snapshot()
	out := make([]deviceResponse, 0, len(devices))
	liveCallsigns := make(map[string]bool, len(devices))
	for _, d := range devices {
		dr := deviceResponse{
			Callsign:     d.Identity.Callsign,
			Nickname:     d.Identity.Nickname,
			Npub:         d.Identity.Npub,
			ConnClass:    d.ConnClass,
			ConnectedAt:  d.ConnectedAt.UTC(),
			LastActivity: d.LastActivity.UTC(),
		}
		if d.Identity.Callsign != "" {
			liveCallsigns[d.Identity.Callsign] = true
			if s.store != nil {
				if h, err := s.store.DeviceHistory(r.Context(), d.Identity.Callsign); err == nil {
					dr.ConnectCount = h.ConnectCount
				}
			}
		}
		out = append(out, dr)
	}

	known := make([]knownDeviceResponse, 0)
	if s.store != nil {
		history, err := s.store.ListDevices(r.Context(), 100)
		if err != nil {
			s.log.Error("device history listing failed", "err", err)
		}
		for _, h := range history {
			if liveCallsigns[h.Callsign] {
				continue
			}
			known = append(known, knownDeviceResponse{
				Callsign:     h.Callsign,
				Nickname:     h.Nickname,
				Npub:         h.Npub,
				FirstSeen:    h.FirstSeen.UTC(),
				LastSeen:     h.LastSeen.UTC(),
				ConnectCount: h.ConnectCount,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "known": known})
}

type providerResponse struct {
	Callsign      string `json:"callsign"`
	Npub          string `json:"npub"`
	Slots         int    `json:"slots"`
	StorageMB     int    `json:"storage_mb"`
	RetentionDays int    `json:"retention_days"`
	LastSeen      int64  `json:"last_seen"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	ev, err := s.auth.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	records, err := s.presence.List(ev)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	out := make([]providerResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, providerResponse{
			Callsign:      rec.Callsign,
			Npub:          rec.Npub,
			Slots:         rec.Slots,
			StorageMB:     rec.StorageMB,
			RetentionDays: rec.RetentionDays,
			LastSeen:      rec.LastSeen.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrStaleEvent):
		http.Error(w, "stale credential", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrBadSignature):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrImpersonation):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

// matchTile recognizes /tiles/{layer}/{z}/{x}/{y}.png.
func (s *Server) matchTile(r *http.Request) http.HandlerFunc {
	rest, ok := strings.CutPrefix(r.URL.Path, "/tiles/")
	if !ok {
		return nil
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || !strings.HasSuffix(parts[3], ".png") {
		return nil
	}
	z, errZ := strconv.Atoi(parts[1])
	x, errX := strconv.Atoi(parts[2])
	y, errY := strconv.Atoi(strings.TrimSuffix(parts[3], ".png"))
	if errZ != nil || errX != nil || errY != nil {
		return nil
	}
	key := tiles.Key{Layer: parts[0], Z: z, X: x, Y: y}
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleTile(w, r, key)
	}
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request, key tiles.Key) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.tiles.Get(r.Context(), key)
	switch {
	case errors.Is(err, tiles.ErrInvalidKey):
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
		return
	case errors.Is(err, tiles.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.log.Error("tile lookup failed", "layer", key.Layer, "z", key.Z, "x", key.X, "y", key.Y, "err", err)
		http.Error(w, "tile unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(data)
}

// matchDeviceAPI recognizes /{deviceId}/api/... and tunnels it with the
// device prefix stripped.
func (s *Server) matchDeviceAPI(r *http.Request) http.HandlerFunc {
	device, rest, ok := splitDevicePath(r.URL.Path)
	if !ok {
		return nil
	}
	if rest != "/api" && !strings.HasPrefix(rest, "/api/") {
		return nil
	}
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleTunneled(w, r, device, rest)
	}
}

// matchDeviceContent recognizes any other /{deviceId}/... path.  The device
// sees root-relative paths: the station strips its id prefix before
// forwarding.
func (s *Server) matchDeviceContent(r *http.Request) http.HandlerFunc {
	device, rest, ok := splitDevicePath(r.URL.Path)
	if !ok {
		return nil
	}
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleTunneled(w, r, device, rest)
	}
}

func splitDevicePath(path string) (device, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	device, rest, _ = strings.Cut(trimmed, "/")
	if device == "" || reservedPrefixes[strings.ToLower(device)] {
		return "", "", false
	}
	return device, "/" + rest, true
}

func (s *Server) handleTunneled(w http.ResponseWriter, r *http.Request, device, path string) {
	var body string
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if int64(len(raw)) > s.cfg.MaxBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !netutil.IsTextBody(raw) {
			// The wire protocol carries request bodies as JSON strings;
			// binary uploads cannot be tunneled.
			http.Error(w, domain.ErrBinaryBody.Error(), http.StatusUnsupportedMediaType)
			return
		}
		body = string(raw)
	}

	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	headers := r.Header.Clone()
	netutil.RemoveHopByHopHeaders(headers)

	resp, err := s.call(device, r.Method, path, flattenHeaders(headers), body)
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		http.Error(w, "device not connected", http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrTunnelTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "device did not reply in time"})
		return
	case err != nil:
		s.log.Error("tunnel call failed", "device", device, "path", path, "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeTunneled(w, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
