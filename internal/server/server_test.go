package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/geogram-dev/station/internal/config"
	"github.com/geogram-dev/station/internal/domain"
	ilog "github.com/geogram-dev/station/internal/log"
	"github.com/geogram-dev/station/internal/nostrauth"
	"github.com/geogram-dev/station/internal/stationproto"
	"github.com/geogram-dev/station/internal/store/sqlite"
	"github.com/geogram-dev/station/internal/tiles"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dataDir := t.TempDir()
	return config.Config{
		ListenAddr:       ":0",
		DataDir:          dataDir,
		TileDir:          dataDir + "/tiles",
		LogLevel:         "error",
		StationName:      "Test Station",
		TunnelTimeout:    2 * time.Second,
		MaxBodyBytes:     1 << 20,
		PingTimeout:      time.Minute,
		JanitorInterval:  time.Second,
		ReconnectWindow:  5 * time.Minute,
		PresenceTTL:      90 * time.Second,
		AuthMaxAge:       300 * time.Second,
		TileBudgetBytes:  1 << 20,
		TileMaxMemZoom:   14,
		TileFetchTimeout: time.Second,
	}
}

// newTestServer builds a Server without a store and mounts it on httptest.
// The janitor does not run; tests drive maintenance directly.
func newTestServer(t *testing.T, clk clock.Clock, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	s := newServer(cfg, nil, ilog.Discard(), "v0.0.0-test", clk)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		s.hub.closeAll()
	})
	return s, ts
}

type testDevice struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialDevice(t *testing.T, ts *httptest.Server) *testDevice {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	d := &testDevice{t: t, conn: conn}
	t.Cleanup(d.close)
	return d
}

func (d *testDevice) close() { _ = d.conn.Close() }

func (d *testDevice) send(data []byte) {
	d.t.Helper()
	if err := d.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		d.t.Fatalf("device write: %v", err)
	}
}

func (d *testDevice) read() []byte {
	d.t.Helper()
	_ = d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := d.conn.ReadMessage()
	if err != nil {
		d.t.Fatalf("device read: %v", err)
	}
	return data
}

// helloAck is the raw hello_ack shape as devices see it.
type helloAck struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	ServerID  string `json:"server_id"`
	StationID string `json:"station_id"`
	Version   string `json:"version"`
	Message   string `json:"message"`
}

func (d *testDevice) hello(callsign, nickname string) helloAck {
	d.t.Helper()
	data, err := stationproto.EncodeHello(stationproto.Hello{Callsign: callsign, Nickname: nickname})
	if err != nil {
		d.t.Fatalf("encode hello: %v", err)
	}
	d.send(data)
	return d.readAck()
}

func (d *testDevice) readAck() helloAck {
	d.t.Helper()
	var ack helloAck
	if err := json.Unmarshal(d.read(), &ack); err != nil {
		d.t.Fatalf("decode hello_ack: %v", err)
	}
	if ack.Type != stationproto.TypeHelloAck {
		d.t.Fatalf("expected hello_ack, got %q", ack.Type)
	}
	return ack
}

func (d *testDevice) readRequest() *stationproto.HTTPRequest {
	d.t.Helper()
	frame, err := stationproto.Decode(d.read())
	if err != nil {
		d.t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != stationproto.TypeHTTPRequest {
		d.t.Fatalf("expected HTTP_REQUEST, got %q", frame.Type)
	}
	return frame.Request
}

func (d *testDevice) reply(resp stationproto.HTTPResponse) {
	d.t.Helper()
	data, err := stationproto.EncodeResponse(resp)
	if err != nil {
		d.t.Fatalf("encode response: %v", err)
	}
	d.send(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signedEvent(t *testing.T, sk string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	ev := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      27235,
		Tags:      tags,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func nostrHeader(t *testing.T, ev *nostr.Event) string {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw)
}

func TestHelloBindsIdentity(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	ack := dev.hello("x3test", "rover")

	if !ack.Success {
		t.Fatalf("hello_ack success=false: %s", ack.Message)
	}
	if ack.StationID != "Test Station" || ack.Version != "v0.0.0-test" {
		t.Errorf("ack identity = %q %q", ack.StationID, ack.Version)
	}
	if ack.ServerID == "" {
		t.Error("ack missing server_id")
	}

	// Callsign lookup is case-insensitive and canonical upper-case.
	if !s.hub.isLive("X3TEST") || !s.hub.isLive("x3Test") {
		t.Error("bound callsign not live")
	}

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Devices []struct {
			Callsign   string `json:"callsign"`
			Nickname   string `json:"nickname"`
			Connection string `json:"connection"`
		} `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(body.Devices))
	}
	d := body.Devices[0]
	if d.Callsign != "X3TEST" || d.Nickname != "rover" {
		t.Errorf("device = %+v", d)
	}
	if d.Connection != "local-network" {
		t.Errorf("connection class = %q, want local-network", d.Connection)
	}
}

func TestDevicesListsKnownOfflineDevices(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	store, err := sqlite.Open(cfg.DataDir + "/station.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := newServer(cfg, store, ilog.Discard(), "v0.0.0-test", clock.New())
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		s.hub.closeAll()
	})

	past := time.Now().Add(-time.Hour)
	if err := store.RecordConnect(context.Background(), domain.Identity{Callsign: "X3GONE", Nickname: "old rover"}, past); err != nil {
		t.Fatal(err)
	}

	dev := dialDevice(t, ts)
	if ack := dev.hello("X3HERE", ""); !ack.Success {
		t.Fatalf("hello rejected: %s", ack.Message)
	}

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Devices []struct {
			Callsign string `json:"callsign"`
		} `json:"devices"`
		Known []struct {
			Callsign     string `json:"callsign"`
			Nickname     string `json:"nickname"`
			ConnectCount int64  `json:"connect_count"`
		} `json:"known"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Devices) != 1 || body.Devices[0].Callsign != "X3HERE" {
		t.Fatalf("devices = %+v, want only X3HERE", body.Devices)
	}
	// X3HERE has history too but is live, so only the offline device shows.
	if len(body.Known) != 1 {
		t.Fatalf("known = %+v, want only X3GONE", body.Known)
	}
	k := body.Known[0]
	if k.Callsign != "X3GONE" || k.Nickname != "old rover" || k.ConnectCount != 1 {
		t.Errorf("known device = %+v", k)
	}
}

func TestSignedHelloDerivesCallsign(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, clock.New(), nil)

	sk := nostr.GeneratePrivateKey()
	ev := signedEvent(t, sk, nostr.Tags{{stationproto.TagNickname, "fieldbox"}})
	wantCallsign, err := nostrauth.DeriveCallsign(ev.PubKey)
	if err != nil {
		t.Fatal(err)
	}

	dev := dialDevice(t, ts)
	data, err := stationproto.EncodeHello(stationproto.Hello{Event: ev})
	if err != nil {
		t.Fatal(err)
	}
	dev.send(data)
	ack := dev.readAck()
	if !ack.Success {
		t.Fatalf("signed hello rejected: %s", ack.Message)
	}
	sess, ok := s.hub.lookup(wantCallsign)
	if !ok {
		t.Fatalf("derived callsign %s not live", wantCallsign)
	}
	id := sess.snapshotIdentity()
	if id.Nickname != "fieldbox" || id.Npub == "" {
		t.Errorf("identity = %+v", id)
	}
}

func TestSignedHelloBadSignatureRejected(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, clock.New(), nil)

	sk := nostr.GeneratePrivateKey()
	ev := signedEvent(t, sk, nil)
	ev.Tags = nostr.Tags{{stationproto.TagNickname, "tampered"}} // invalidates the signature

	dev := dialDevice(t, ts)
	data, _ := stationproto.EncodeHello(stationproto.Hello{Event: ev})
	dev.send(data)
	ack := dev.readAck()
	if ack.Success {
		t.Fatal("tampered hello accepted")
	}
	if s.hub.len() == 0 {
		t.Error("connection should survive a rejected hello")
	}
}

func TestTunnelRoundTrip(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	if ack := dev.hello("X3TEST", ""); !ack.Success {
		t.Fatal("hello failed")
	}

	type result struct {
		status int
		ctype  string
		body   string
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/X3TEST/api/ping?x=1")
		if err != nil {
			done <- result{}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, resp.Header.Get("Content-Type"), string(b)}
	}()

	req := dev.readRequest()
	if req.Method != http.MethodGet || req.Path != "/api/ping?x=1" {
		t.Errorf("tunneled request = %s %s", req.Method, req.Path)
	}
	if req.RequestID == "" {
		t.Fatal("missing requestId")
	}
	dev.reply(stationproto.HTTPResponse{
		RequestID:  req.RequestID,
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       `{"pong":true}`,
	})

	res := <-done
	if res.status != http.StatusOK {
		t.Fatalf("status = %d", res.status)
	}
	if res.body != `{"pong":true}` {
		t.Errorf("body = %q", res.body)
	}
	if !strings.HasPrefix(res.ctype, "application/json") {
		t.Errorf("content type = %q", res.ctype)
	}
}

func TestTunnelBase64Reply(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	dev.hello("X3TEST", "")

	done := make(chan []byte, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/X3TEST/photo.bin")
		if err != nil {
			done <- nil
			return
		}
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		done <- b
	}()

	req := dev.readRequest()
	if req.Path != "/photo.bin" {
		t.Errorf("content path = %q, want prefix stripped", req.Path)
	}
	payload := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}
	dev.reply(stationproto.HTTPResponse{
		RequestID:  req.RequestID,
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"content-type": "application/octet-stream"},
		Body:       base64.StdEncoding.EncodeToString(payload),
		IsBase64:   true,
	})

	if got := <-done; !bytes.Equal(got, payload) {
		t.Errorf("body = %x, want %x", got, payload)
	}
}

func TestTunnelDeviceNotFound(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	// A live but unrelated device must see zero frames.
	bystander := dialDevice(t, ts)
	bystander.hello("X3OTHER", "")

	resp, err := http.Get(ts.URL + "/X3GONE/api/ping")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	_ = bystander.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := bystander.conn.ReadMessage(); err == nil {
		t.Fatal("bystander received an unexpected frame")
	}
}

func TestTunnelTimeout(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, clock.New(), func(cfg *config.Config) {
		cfg.TunnelTimeout = 150 * time.Millisecond
	})

	dev := dialDevice(t, ts)
	dev.hello("X3SLOW", "")

	resp, err := http.Get(ts.URL + "/X3SLOW/api/never")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
	if !bytes.Contains(body, []byte("did not reply")) {
		t.Errorf("unexpected timeout body: %s", body)
	}

	sess, ok := s.hub.lookup("X3SLOW")
	if !ok {
		t.Fatal("session gone")
	}
	if n := sess.pendingLen(); n != 0 {
		t.Errorf("pending table has %d entries after timeout, want 0", n)
	}
}

func TestTunnelBinaryBodyRejected(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	dev.hello("X3TEST", "")

	resp, err := http.Post(ts.URL+"/X3TEST/api/upload", "application/octet-stream",
		bytes.NewReader([]byte{0x00, 0xde, 0xad}))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestUnmatchedReplyDropped(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	dev.hello("X3TEST", "")

	dev.reply(stationproto.HTTPResponse{RequestID: "req_never_issued", StatusCode: 200})

	// Session must stay healthy: a PING still gets its PONG.
	ping, _ := stationproto.EncodePing()
	dev.send(ping)
	frame, err := stationproto.Decode(dev.read())
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != stationproto.TypePong || frame.Timestamp <= 0 {
		t.Errorf("frame = %+v, want PONG with timestamp", frame)
	}
}

func TestMalformedFrameKeepsSession(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	dev.hello("X3TEST", "")

	// Malformed JSON, an unknown type, and a response missing its requestId.
	dev.send([]byte(`{"type":`))
	dev.send([]byte(`{"type":"WARP_DRIVE"}`))
	dev.send([]byte(`{"type":"HTTP_RESPONSE"}`))

	ping, _ := stationproto.EncodePing()
	dev.send(ping)
	frame, err := stationproto.Decode(dev.read())
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != stationproto.TypePong {
		t.Errorf("expected PONG after bad frames, got %q", frame.Type)
	}
}

func TestReconnectTolerance(t *testing.T) {
	t.Parallel()
	mc := clock.NewMock()
	mc.Set(time.Now())
	s, ts := newTestServer(t, mc, nil)

	dev := dialDevice(t, ts)
	dev.hello("X3KEEP", "")
	sess, _ := s.hub.lookup("X3KEEP")
	t0 := sess.currentConnectedAt()

	dev.close()
	waitFor(t, "unregister", func() bool { return !s.hub.isLive("X3KEEP") })

	// Reconnect inside the 5-minute window: connectedAt is preserved.
	mc.Add(4 * time.Minute)
	dev2 := dialDevice(t, ts)
	dev2.hello("X3KEEP", "")
	sess2, ok := s.hub.lookup("X3KEEP")
	if !ok {
		t.Fatal("reconnect not live")
	}
	if !sess2.currentConnectedAt().Equal(t0) {
		t.Errorf("connectedAt = %v, want original %v", sess2.currentConnectedAt(), t0)
	}

	dev2.close()
	waitFor(t, "second unregister", func() bool { return !s.hub.isLive("X3KEEP") })

	// Reconnect after the window: connectedAt resets.
	mc.Add(6 * time.Minute)
	dev3 := dialDevice(t, ts)
	dev3.hello("X3KEEP", "")
	sess3, ok := s.hub.lookup("X3KEEP")
	if !ok {
		t.Fatal("late reconnect not live")
	}
	if sess3.currentConnectedAt().Equal(t0) {
		t.Error("connectedAt kept across an expired ghost")
	}
}

func TestCallsignTakeoverDisplacesOldSession(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, clock.New(), nil)

	dev1 := dialDevice(t, ts)
	dev1.hello("X3DUP", "")
	dev2 := dialDevice(t, ts)
	dev2.hello("X3DUP", "")

	waitFor(t, "displacement", func() bool { return s.hub.len() == 1 })

	// The displaced connection is closed by the station.
	_ = dev1.conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := dev1.conn.ReadMessage(); err != nil {
			break
		}
	}
	if !s.hub.isLive("X3DUP") {
		t.Fatal("callsign lost after takeover")
	}
}

func TestProvidersEndToEnd(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	callsign, err := nostrauth.DeriveCallsign(pk)
	if err != nil {
		t.Fatal(err)
	}

	dev := dialDevice(t, ts)
	helloEv := signedEvent(t, sk, nil)
	data, _ := stationproto.EncodeHello(stationproto.Hello{Event: helloEv})
	dev.send(data)
	if ack := dev.readAck(); !ack.Success {
		t.Fatalf("hello rejected: %s", ack.Message)
	}

	announce := signedEvent(t, sk, nostr.Tags{
		{stationproto.TagTopic, stationproto.TopicBackupProvider},
		{stationproto.TagAction, stationproto.ActionAnnounce},
		{stationproto.TagCallsign, callsign},
		{stationproto.TagSlots, "3"},
		{stationproto.TagStorageMB, "512"},
		{stationproto.TagRetentionDays, "30"},
	})
	frame, _ := stationproto.EncodeAnnounce(announce)
	dev.send(frame)

	query := signedEvent(t, sk, nostr.Tags{{stationproto.TagTopic, stationproto.TopicBackupQuery}})

	var listed bool
	waitFor(t, "provider listed", func() bool {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/backup/providers/available", nil)
		req.Header.Set("Authorization", nostrHeader(t, query))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var body struct {
			Providers []struct {
				Callsign string `json:"callsign"`
				Slots    int    `json:"slots"`
			} `json:"providers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		listed = len(body.Providers) == 1 &&
			body.Providers[0].Callsign == callsign && body.Providers[0].Slots == 3
		return listed
	})
	if !listed {
		t.Fatal("announced provider not listed")
	}
}

func TestProvidersQueryFromTagCallsignDevice(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, clock.New(), nil)

	sk := nostr.GeneratePrivateKey()
	dev := dialDevice(t, ts)
	helloEv := signedEvent(t, sk, nostr.Tags{{stationproto.TagCallsign, "X3CUSTOM"}})
	data, _ := stationproto.EncodeHello(stationproto.Hello{Event: helloEv})
	dev.send(data)
	if ack := dev.readAck(); !ack.Success {
		t.Fatalf("hello rejected: %s", ack.Message)
	}
	if !s.hub.isLive("X3CUSTOM") {
		t.Fatal("expected session bound under the tag callsign")
	}

	// The derived callsign has no session, but the signing key does; the
	// query must still be authorized.
	query := signedEvent(t, sk, nostr.Tags{{stationproto.TagTopic, stationproto.TopicBackupQuery}})
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/backup/providers/available", nil)
	req.Header.Set("Authorization", nostrHeader(t, query))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestProvidersRequiresAuth(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	resp, err := http.Get(ts.URL + "/api/backup/providers/available")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEventFrameAcked(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	dev.hello("X3TEST", "")

	sk := nostr.GeneratePrivateKey()
	ev := signedEvent(t, sk, nil)
	frame, _ := stationproto.EncodeEvent(ev)
	dev.send(frame)

	var ack []json.RawMessage
	if err := json.Unmarshal(dev.read(), &ack); err != nil {
		t.Fatal(err)
	}
	if len(ack) != 4 {
		t.Fatalf("ack has %d elements, want 4", len(ack))
	}
	var marker, id string
	var ok bool
	_ = json.Unmarshal(ack[0], &marker)
	_ = json.Unmarshal(ack[1], &id)
	_ = json.Unmarshal(ack[2], &ok)
	if marker != "OK" || id != ev.ID || !ok {
		t.Errorf(`ack = [%q, %q, %v], want ["OK", %q, true]`, marker, id, ok, ev.ID)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	dev.hello("X3TEST", "")

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Service != "geogram-station" || body.Name != "Test Station" {
		t.Errorf("status identity = %q %q", body.Service, body.Name)
	}
	if body.Devices != 1 {
		t.Errorf("devices = %d, want 1", body.Devices)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRouteOrderReservedPrefixes(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	// Reserved prefixes never fall through to device tunneling.
	for _, path := range []string{"/api/unknown", "/tiles/bogus", "/healthz/extra"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestExpireStaleSessions(t *testing.T) {
	t.Parallel()
	mc := clock.NewMock()
	mc.Set(time.Now())
	s, ts := newTestServer(t, mc, func(cfg *config.Config) {
		cfg.PingTimeout = time.Minute
	})

	dev := dialDevice(t, ts)
	dev.hello("X3IDLE", "")

	mc.Add(2 * time.Minute)
	s.expireStaleSessions()

	waitFor(t, "stale session close", func() bool { return !s.hub.isLive("X3IDLE") })
}

func TestGhostPurge(t *testing.T) {
	t.Parallel()
	mc := clock.NewMock()
	h := newHub(mc, 5*time.Minute)

	h.ghosts["X3OLD"] = ghost{disconnectedAt: mc.Now()}
	mc.Add(6 * time.Minute)
	h.ghosts["X3NEW"] = ghost{disconnectedAt: mc.Now()}

	h.purgeGhosts()

	if _, ok := h.ghosts["X3OLD"]; ok {
		t.Error("expired ghost survived purge")
	}
	if _, ok := h.ghosts["X3NEW"]; !ok {
		t.Error("fresh ghost purged")
	}
}

// pngTile is a minimal payload passing the tile magic check.
var pngTile = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}

type stubFetcher struct{ data map[tiles.Key][]byte }

func (f *stubFetcher) Fetch(_ context.Context, key tiles.Key) ([]byte, error) {
	if b, ok := f.data[key]; ok {
		return b, nil
	}
	return nil, tiles.ErrNotFound
}

func TestTileRoute(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, clock.New(), nil)
	key := tiles.Key{Layer: tiles.LayerStandard, Z: 10, X: 1, Y: 2}
	s.tiles = tiles.New(tiles.Options{
		Dir:          t.TempDir(),
		BudgetBytes:  1 << 20,
		MaxMemZoom:   14,
		FetchTimeout: time.Second,
		Fetcher:      &stubFetcher{data: map[tiles.Key][]byte{key: pngTile}},
		Log:          ilog.Discard(),
	})

	resp, err := http.Get(ts.URL + "/tiles/standard/10/1/2.png")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=86400" {
		t.Errorf("cache-control = %q", cc)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("cors header = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, pngTile) {
		t.Errorf("tile bytes mismatch")
	}

	// Unknown tiles 404; out-of-range zoom is a client error.
	for path, want := range map[string]int{
		"/tiles/standard/10/9/9.png":  http.StatusNotFound,
		"/tiles/standard/25/1/2.png":  http.StatusBadRequest,
		"/tiles/notalayer/10/1/2.png": http.StatusBadRequest,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestConcurrentTunnelCalls(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, clock.New(), nil)

	dev := dialDevice(t, ts)
	dev.hello("X3TEST", "")

	const calls = 4
	done := make(chan string, calls)
	for i := 0; i < calls; i++ {
		go func(i int) {
			resp, err := http.Get(fmt.Sprintf("%s/X3TEST/api/item/%d", ts.URL, i))
			if err != nil {
				done <- ""
				return
			}
			defer func() { _ = resp.Body.Close() }()
			b, _ := io.ReadAll(resp.Body)
			done <- string(b)
		}(i)
	}

	// The device answers out of order; correlation must still hold.
	reqs := make([]*stationproto.HTTPRequest, calls)
	for i := range reqs {
		reqs[i] = dev.readRequest()
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		dev.reply(stationproto.HTTPResponse{
			RequestID:  reqs[i].RequestID,
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"content-type": "text/plain"},
			Body:       "for " + reqs[i].Path,
		})
	}

	got := make(map[string]bool, calls)
	for i := 0; i < calls; i++ {
		got[<-done] = true
	}
	for i := 0; i < calls; i++ {
		want := fmt.Sprintf("for /api/item/%d", i)
		if !got[want] {
			t.Errorf("missing reply %q", want)
		}
	}
}
