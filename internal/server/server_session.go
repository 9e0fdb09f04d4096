package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/geogram-dev/station/internal/domain"
	"github.com/geogram-dev/station/internal/netutil"
	"github.com/geogram-dev/station/internal/nostrauth"
	"github.com/geogram-dev/station/internal/stationproto"
)

const minWSReadLimit = 1 << 20

// session is one live device channel.  The websocket connection is written
// only through writeFrame; the pending table correlates tunnel calls with
// reply frames.
type session struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	writeMu    sync.Mutex

	mu          sync.Mutex
	identity    domain.Identity
	connClass   string
	lat, lon    float64
	hasPos      bool
	connectedAt time.Time

	lastActivityUnixNano atomic.Int64
	closing              atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan *stationproto.HTTPResponse
}

func newSession(conn *websocket.Conn, remoteAddr string, now time.Time) *session {
	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		connClass:   netutil.ClassifyRemoteAddr(remoteAddr),
		connectedAt: now,
		pending:     make(map[string]chan *stationproto.HTTPResponse),
	}
	sess.touch(now)
	return sess
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientIP(r.RemoteAddr)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	wsReadLimit := s.cfg.MaxBodyBytes * 2
	if wsReadLimit < minWSReadLimit {
		wsReadLimit = minWSReadLimit
	}
	conn.SetReadLimit(wsReadLimit)

	sess := s.hub.register(conn, r.RemoteAddr)
	s.log.Info("device connected", "session_id", sess.id, "remote", r.RemoteAddr, "class", sess.currentConnClass())

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		s.readLoop(sess)
	}()
}

func (s *Server) readLoop(sess *session) {
	defer func() {
		_ = sess.conn.Close()
		sess.closePending()
		s.hub.unregister(sess)
		id := sess.snapshotIdentity()
		if id.Callsign != "" {
			s.presence.Drop(id.Callsign)
			s.recordDisconnect(id.Callsign)
		}
		s.log.Info("device disconnected", "session_id", sess.id, "callsign", id.Callsign)
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("session read error", "session_id", sess.id, "err", err)
			}
			return
		}
		sess.touch(s.clock.Now())

		frame, err := stationproto.Decode(data)
		if err != nil {
			// Bad frames never tear the session down.
			perr := &domain.ProtocolError{Err: err}
			s.log.Warn("dropping bad frame", "session_id", sess.id, "err", perr)
			continue
		}

		switch frame.Type {
		case stationproto.TypeHello:
			s.handleHello(sess, frame.Hello)

		case stationproto.TypeHTTPResponse:
			if ch, ok := sess.pendingLoadAndDelete(frame.Response.RequestID); ok {
				ch <- frame.Response
				close(ch)
			} else {
				// Late reply after timeout or a requestId the station
				// never issued.
				s.log.Warn("unmatched tunnel reply dropped",
					"session_id", sess.id, "req_id", frame.Response.RequestID)
			}

		case stationproto.TypePing:
			data, err := stationproto.EncodePong(s.clock.Now().UnixMilli())
			if err == nil {
				_ = sess.writeFrame(data)
			}

		case stationproto.TypePong:
			// Activity already recorded above.

		case stationproto.TypeBackupAnnounce:
			id := sess.snapshotIdentity()
			if err := s.presence.Announce(id.Callsign, id.Npub, frame.Announce.Event); err != nil {
				s.log.Warn("provider announce rejected",
					"session_id", sess.id, "callsign", id.Callsign, "err", err)
			}

		case stationproto.TypeEvent:
			s.handleEvent(sess, frame)

		default:
			s.log.Warn("unhandled frame type", "session_id", sess.id, "type", frame.Type)
		}
	}
}

// handleHello binds the session identity and acknowledges.  A signed hello
// wins over the legacy form; a failed signature is acknowledged with
// success=false and the connection stays open.
func (s *Server) handleHello(sess *session, hello *stationproto.Hello) {
	id, pos, err := s.identityFromHello(hello)
	if err != nil {
		s.log.Warn("hello rejected", "session_id", sess.id, "err", err)
		s.sendHelloAck(sess, false, err.Error())
		return
	}

	displaced := s.hub.bindIdentity(sess, id)
	if displaced != nil {
		s.log.Info("displacing stale session for callsign",
			"callsign", id.Callsign, "old_session_id", displaced.id)
		_ = displaced.conn.Close()
	}
	if pos != nil {
		sess.setPosition(pos[0], pos[1])
	}
	sess.refineConnClass(hello)

	s.recordConnect(sess.snapshotIdentity())
	s.log.Info("identity bound",
		"session_id", sess.id, "callsign", id.Callsign, "nickname", id.Nickname, "signed", hello.Signed())
	s.sendHelloAck(sess, true, "welcome")
}

// identityFromHello extracts identity and optional position.  For signed
// hellos the npub and callsign derive from the event's public key; tags may
// override the callsign and supply nickname/position.
func (s *Server) identityFromHello(hello *stationproto.Hello) (domain.Identity, *[2]float64, error) {
	if hello.Signed() {
		ev := hello.Event
		if err := s.auth.VerifyEvent(ev); err != nil {
			return domain.Identity{}, nil, err
		}
		npub, err := nostrauth.Npub(ev.PubKey)
		if err != nil {
			return domain.Identity{}, nil, errors.New("undecodable public key")
		}
		callsign := netutil.NormalizeCallsign(nostrauth.TagValue(ev, stationproto.TagCallsign))
		if callsign == "" {
			if callsign, err = nostrauth.DeriveCallsign(ev.PubKey); err != nil {
				return domain.Identity{}, nil, errors.New("undecodable public key")
			}
		}
		id := domain.Identity{
			Callsign: callsign,
			Npub:     npub,
			Nickname: nostrauth.TagValue(ev, stationproto.TagNickname),
		}
		if lat, lon, ok := positionTags(ev); ok {
			return id, &[2]float64{lat, lon}, nil
		}
		return id, nil, nil
	}

	callsign := netutil.NormalizeCallsign(hello.Callsign)
	if callsign == "" {
		return domain.Identity{}, nil, errors.New("hello without callsign")
	}
	id := domain.Identity{Callsign: callsign, Nickname: hello.Nickname}
	if hello.HasPos {
		return id, &[2]float64{hello.Lat, hello.Lon}, nil
	}
	return id, nil, nil
}

func (s *Server) sendHelloAck(sess *session, success bool, message string) {
	data, err := stationproto.EncodeHelloAck(stationproto.HelloAck{
		Success:   success,
		ServerID:  s.serverID,
		StationID: s.cfg.StationName,
		Version:   s.version,
		Message:   message,
	})
	if err != nil {
		return
	}
	_ = sess.writeFrame(data)
}

// handleEvent verifies a generic EVENT frame and acknowledges it with the
// ["OK", id, success, message] array.
func (s *Server) handleEvent(sess *session, frame *stationproto.Frame) {
	ev := frame.Event
	ok, msg := true, ""
	if err := s.auth.VerifyEvent(ev); err != nil {
		ok, msg = false, err.Error()
	}
	ack, err := stationproto.EncodeOKAck(ev.ID, ok, msg)
	if err != nil {
		return
	}
	_ = sess.writeFrame(ack)
}

func (s *Server) recordConnect(id domain.Identity) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordConnect(ctx, id, s.clock.Now()); err != nil {
		s.log.Error("failed to persist device connect", "callsign", id.Callsign, "err", err)
	}
}

func (s *Server) recordDisconnect(callsign string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordDisconnect(ctx, callsign, s.clock.Now()); err != nil {
		s.log.Error("failed to persist device disconnect", "callsign", callsign, "err", err)
	}
}

func (sess *session) writeFrame(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		_ = sess.conn.Close()
		return err
	}
	defer func() { _ = sess.conn.SetWriteDeadline(time.Time{}) }()
	err := sess.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		_ = sess.conn.Close()
	}
	return err
}

func (sess *session) touch(t time.Time) {
	sess.lastActivityUnixNano.Store(t.UnixNano())
}

func (sess *session) lastActivity() time.Time {
	n := sess.lastActivityUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

func (sess *session) bind(id domain.Identity) {
	sess.mu.Lock()
	sess.identity = id
	sess.mu.Unlock()
}

func (sess *session) snapshotIdentity() domain.Identity {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.identity
}

func (sess *session) setPosition(lat, lon float64) {
	sess.mu.Lock()
	sess.lat, sess.lon, sess.hasPos = lat, lon, true
	sess.mu.Unlock()
}

func (sess *session) setConnectedAt(t time.Time) {
	sess.mu.Lock()
	sess.connectedAt = t
	sess.mu.Unlock()
}

func (sess *session) currentConnectedAt() time.Time {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.connectedAt
}

func (sess *session) currentConnClass() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.connClass
}

// refineConnClass upgrades the address-derived connection class using
// explicit hello data.  The class never decays back to unknown.
func (sess *session) refineConnClass(hello *stationproto.Hello) {
	refined := ""
	if hello.Signed() {
		refined = nostrauth.TagValue(hello.Event, stationproto.TagConnClass)
	}
	switch refined {
	case domain.ConnClassLocal, domain.ConnClassInternet, domain.ConnClassOther:
	default:
		return
	}
	sess.mu.Lock()
	sess.connClass = refined
	sess.mu.Unlock()
}

// device returns a point-in-time snapshot safe to hand across goroutines.
func (sess *session) device() domain.Device {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return domain.Device{
		SessionID:    sess.id,
		Identity:     sess.identity,
		ConnClass:    sess.connClass,
		Latitude:     sess.lat,
		Longitude:    sess.lon,
		HasLocation:  sess.hasPos,
		ConnectedAt:  sess.connectedAt,
		LastActivity: sess.lastActivity(),
	}
}

func (sess *session) pendingStore(id string, ch chan *stationproto.HTTPResponse) {
	sess.pendingMu.Lock()
	sess.pending[id] = ch
	sess.pendingMu.Unlock()
}

func (sess *session) pendingLoadAndDelete(id string) (chan *stationproto.HTTPResponse, bool) {
	sess.pendingMu.Lock()
	ch, ok := sess.pending[id]
	if ok {
		delete(sess.pending, id)
	}
	sess.pendingMu.Unlock()
	return ch, ok
}

func (sess *session) pendingDelete(id string) bool {
	sess.pendingMu.Lock()
	_, ok := sess.pending[id]
	if ok {
		delete(sess.pending, id)
	}
	sess.pendingMu.Unlock()
	return ok
}

func (sess *session) pendingLen() int {
	sess.pendingMu.Lock()
	defer sess.pendingMu.Unlock()
	return len(sess.pending)
}

func (sess *session) closePending() {
	sess.pendingMu.Lock()
	for id, ch := range sess.pending {
		delete(sess.pending, id)
		close(ch)
	}
	sess.pendingMu.Unlock()
}

// positionTags reads lat/lon tags off a signed hello event.
func positionTags(ev *nostr.Event) (float64, float64, bool) {
	lat, err := strconv.ParseFloat(nostrauth.TagValue(ev, stationproto.TagLat), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(nostrauth.TagValue(ev, stationproto.TagLon), 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
