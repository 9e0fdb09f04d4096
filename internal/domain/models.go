// Package domain defines the core data types shared across the station
// server, store, and wire protocol layers.
package domain

import "time"

// Connection class constants describe how a device reaches the station.
// The class is inferred from the remote address at connect time and may be
// refined by explicit hello data, but never decays back to unknown.
const (
	ConnClassUnknown  = "unknown"
	ConnClassLocal    = "local-network"
	ConnClassInternet = "internet"
	ConnClassOther    = "other"
)

// Identity is the station-side view of who a session belongs to.  Callsign
// is stored canonically upper-case; Npub is derived from the raw public key
// of a signed hello and is empty for legacy hellos.
type Identity struct {
	Callsign string
	Npub     string
	Nickname string
}

// Device is a point-in-time snapshot of one connected session, safe to hand
// across task boundaries.
type Device struct {
	SessionID    string
	Identity     Identity
	ConnClass    string
	Latitude     float64
	Longitude    float64
	HasLocation  bool
	ConnectedAt  time.Time
	LastActivity time.Time
}

// DeviceHistory is the persisted per-callsign record kept across restarts.
type DeviceHistory struct {
	Callsign     string
	Npub         string
	Nickname     string
	FirstSeen    time.Time
	LastSeen     time.Time
	ConnectCount int64
}
