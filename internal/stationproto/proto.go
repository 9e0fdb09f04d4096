// Package stationproto defines the JSON wire protocol exchanged between the
// station and its connected devices over a WebSocket channel.
//
// Frames are flat JSON objects discriminated by a "type" field, matching
// what device firmware emits.  Decoding lifts them into a tagged union of
// validated variants; malformed frames and unknown frame types fail with
// distinct errors so callers can log them differently.
package stationproto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Frame type discriminators.  Casing follows the device firmware: lifecycle
// frames are lower-case, tunnel frames are upper-case.
const (
	TypeHello          = "hello"
	TypeHelloAck       = "hello_ack"
	TypeHTTPRequest    = "HTTP_REQUEST"
	TypeHTTPResponse   = "HTTP_RESPONSE"
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeBackupAnnounce = "backup_provider_announce"
	TypeEvent          = "EVENT"
)

// ErrMalformedFrame indicates JSON that could not be decoded or a frame
// missing required fields for its declared type.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrUnknownFrame indicates a structurally valid frame of a type the
// station does not understand.
var ErrUnknownFrame = errors.New("unknown frame type")

// Frame is the decoded tagged union.  Exactly one variant pointer is
// non-nil for hello/request/response/announce/event frames; PING and PONG
// carry no payload beyond the Timestamp.
type Frame struct {
	Type      string
	Hello     *Hello
	Request   *HTTPRequest
	Response  *HTTPResponse
	Announce  *Announce
	Event     *nostr.Event
	Timestamp int64
}

// Hello is a device's identity introduction.  A signed variant carries a
// nostr event whose tags hold callsign/nickname/position; the legacy
// variant carries them as plain fields.
type Hello struct {
	Event    *nostr.Event
	Callsign string
	Nickname string
	Lat      float64
	Lon      float64
	HasPos   bool
}

// Signed reports whether the hello carries a signed event payload.
func (h *Hello) Signed() bool { return h.Event != nil }

// HelloAck is the station's reply to a hello.
type HelloAck struct {
	Success   bool
	ServerID  string
	StationID string
	Version   string
	Message   string
}

// HTTPRequest is a tunneled HTTP request forwarded to a device.  Headers
// travel as a JSON-encoded string on the wire.
type HTTPRequest struct {
	RequestID string
	Method    string
	Path      string
	Headers   map[string]string
	Body      string
}

// HTTPResponse is a device's reply to a tunneled [HTTPRequest].  When
// IsBase64 is set the body is base64-encoded binary.
type HTTPResponse struct {
	RequestID  string
	StatusCode int
	Headers    map[string]string
	Body       string
	IsBase64   bool
}

// DecodeBody returns the response body bytes, base64-decoding when marked.
func (r *HTTPResponse) DecodeBody() ([]byte, error) {
	if !r.IsBase64 {
		return []byte(r.Body), nil
	}
	if r.Body == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(r.Body)
}

// Announce is a backup-provider presence announcement: a signed event whose
// tags carry the provider capacities.
type Announce struct {
	Event *nostr.Event
}

// wireFrame is the flat on-the-wire shape.  All variant fields are optional
// and validated per type after decoding.
type wireFrame struct {
	Type string `json:"type"`

	// hello / hello_ack
	Event    *nostr.Event `json:"event,omitempty"`
	Callsign string       `json:"callsign,omitempty"`
	Nickname string       `json:"nickname,omitempty"`
	Lat      *float64     `json:"lat,omitempty"`
	Lon      *float64     `json:"lon,omitempty"`
	Success  *bool        `json:"success,omitempty"`
	ServerID string       `json:"server_id,omitempty"`
	Station  string       `json:"station_id,omitempty"`
	Version  string       `json:"version,omitempty"`
	Message  string       `json:"message,omitempty"`

	// HTTP_REQUEST / HTTP_RESPONSE
	RequestID       string `json:"requestId,omitempty"`
	Method          string `json:"method,omitempty"`
	Path            string `json:"path,omitempty"`
	Headers         string `json:"headers,omitempty"`
	Body            string `json:"body,omitempty"`
	StatusCode      int    `json:"statusCode,omitempty"`
	ResponseHeaders string `json:"responseHeaders,omitempty"`
	ResponseBody    string `json:"responseBody,omitempty"`
	IsBase64        bool   `json:"isBase64,omitempty"`

	// PING / PONG
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Decode parses a raw frame into its validated variant.
func Decode(data []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch w.Type {
	case TypeHello:
		h := &Hello{
			Event:    w.Event,
			Callsign: w.Callsign,
			Nickname: w.Nickname,
		}
		if w.Lat != nil && w.Lon != nil {
			h.Lat, h.Lon, h.HasPos = *w.Lat, *w.Lon, true
		}
		if h.Event == nil && h.Callsign == "" {
			return nil, fmt.Errorf("%w: hello without event or callsign", ErrMalformedFrame)
		}
		return &Frame{Type: w.Type, Hello: h}, nil

	case TypeHTTPResponse:
		if w.RequestID == "" {
			return nil, fmt.Errorf("%w: HTTP_RESPONSE without requestId", ErrMalformedFrame)
		}
		hdrs, err := decodeHeaderString(w.ResponseHeaders)
		if err != nil {
			return nil, fmt.Errorf("%w: responseHeaders: %v", ErrMalformedFrame, err)
		}
		return &Frame{Type: w.Type, Response: &HTTPResponse{
			RequestID:  w.RequestID,
			StatusCode: w.StatusCode,
			Headers:    hdrs,
			Body:       w.ResponseBody,
			IsBase64:   w.IsBase64,
		}}, nil

	case TypeHTTPRequest:
		if w.RequestID == "" || w.Method == "" || w.Path == "" {
			return nil, fmt.Errorf("%w: incomplete HTTP_REQUEST", ErrMalformedFrame)
		}
		hdrs, err := decodeHeaderString(w.Headers)
		if err != nil {
			return nil, fmt.Errorf("%w: headers: %v", ErrMalformedFrame, err)
		}
		return &Frame{Type: w.Type, Request: &HTTPRequest{
			RequestID: w.RequestID,
			Method:    w.Method,
			Path:      w.Path,
			Headers:   hdrs,
			Body:      w.Body,
		}}, nil

	case TypeBackupAnnounce:
		if w.Event == nil {
			return nil, fmt.Errorf("%w: announce without event", ErrMalformedFrame)
		}
		return &Frame{Type: w.Type, Announce: &Announce{Event: w.Event}}, nil

	case TypeEvent:
		if w.Event == nil {
			return nil, fmt.Errorf("%w: EVENT without event", ErrMalformedFrame)
		}
		return &Frame{Type: w.Type, Event: w.Event}, nil

	case TypePing, TypePong:
		return &Frame{Type: w.Type, Timestamp: w.Timestamp}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
	}
}

// EncodeHello serializes a hello frame.  Devices produce these; the
// station uses it in tests and loopback tooling.
func EncodeHello(h Hello) ([]byte, error) {
	w := wireFrame{
		Type:     TypeHello,
		Event:    h.Event,
		Callsign: h.Callsign,
		Nickname: h.Nickname,
	}
	if h.HasPos {
		lat, lon := h.Lat, h.Lon
		w.Lat, w.Lon = &lat, &lon
	}
	return json.Marshal(w)
}

// EncodeAnnounce serializes a backup_provider_announce frame.
func EncodeAnnounce(ev *nostr.Event) ([]byte, error) {
	return json.Marshal(wireFrame{Type: TypeBackupAnnounce, Event: ev})
}

// EncodeEvent serializes a generic EVENT frame.
func EncodeEvent(ev *nostr.Event) ([]byte, error) {
	return json.Marshal(wireFrame{Type: TypeEvent, Event: ev})
}

// EncodeHelloAck serializes a hello_ack frame.
func EncodeHelloAck(ack HelloAck) ([]byte, error) {
	return json.Marshal(wireFrame{
		Type:     TypeHelloAck,
		Success:  &ack.Success,
		ServerID: ack.ServerID,
		Station:  ack.StationID,
		Version:  ack.Version,
		Message:  ack.Message,
	})
}

// EncodeRequest serializes an HTTP_REQUEST frame for a device.
func EncodeRequest(req HTTPRequest) ([]byte, error) {
	hdrs, err := encodeHeaderString(req.Headers)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{
		Type:      TypeHTTPRequest,
		RequestID: req.RequestID,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   hdrs,
		Body:      req.Body,
	})
}

// EncodeResponse serializes an HTTP_RESPONSE frame.  Devices produce these;
// the station only needs it for loopback tests.
func EncodeResponse(resp HTTPResponse) ([]byte, error) {
	hdrs, err := encodeHeaderString(resp.Headers)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{
		Type:            TypeHTTPResponse,
		RequestID:       resp.RequestID,
		StatusCode:      resp.StatusCode,
		ResponseHeaders: hdrs,
		ResponseBody:    resp.Body,
		IsBase64:        resp.IsBase64,
	})
}

// EncodePong serializes a PONG frame carrying a millisecond timestamp.
func EncodePong(tsMillis int64) ([]byte, error) {
	return json.Marshal(wireFrame{Type: TypePong, Timestamp: tsMillis})
}

// EncodePing serializes a PING frame.
func EncodePing() ([]byte, error) {
	return json.Marshal(wireFrame{Type: TypePing})
}

// EncodeOKAck serializes the ["OK", eventID, success, message] array sent in
// reply to an EVENT frame.
func EncodeOKAck(eventID string, ok bool, message string) ([]byte, error) {
	return json.Marshal([]any{"OK", eventID, ok, message})
}

func encodeHeaderString(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHeaderString(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	return h, nil
}
