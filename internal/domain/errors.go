package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrDeviceNotFound means no live session is bound to the requested
	// callsign.  Tunnel calls fail with this before any frame is sent.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadSignature means a signed event failed signature verification.
	ErrBadSignature = errors.New("invalid event signature")

	// ErrStaleEvent means a signed event is outside the freshness window.
	ErrStaleEvent = errors.New("event outside freshness window")

	// ErrImpersonation means an event's callsign tag does not match the
	// identity bound to the announcing session.
	ErrImpersonation = errors.New("callsign does not match session identity")

	// ErrTunnelTimeout means the device did not reply within the bound.
	ErrTunnelTimeout = errors.New("tunnel call timed out")

	// ErrBinaryBody is returned for tunnel requests carrying a non-text
	// body.  Binary upload tunneling is unsupported by the wire protocol.
	ErrBinaryBody = errors.New("binary request bodies cannot be tunneled")
)

// ProtocolError describes a malformed or unexpected wire frame.  It is
// logged and dropped; the session keeps running.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Frame != "" {
		return fmt.Sprintf("frame %s: %v", e.Frame, e.Err)
	}
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
