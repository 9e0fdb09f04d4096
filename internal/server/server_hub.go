package server

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/geogram-dev/station/internal/domain"
	"github.com/geogram-dev/station/internal/netutil"
)

// ghost remembers a recently disconnected callsign so a quick reconnect can
// be treated as one continuous logical session.
type ghost struct {
	disconnectedAt      time.Time
	originalConnectedAt time.Time
}

// hub is the session registry.  All mutations happen under one mutex; the
// ghost map is pruned lazily and by the janitor.
type hub struct {
	clock  clock.Clock
	window time.Duration

	mu         sync.RWMutex
	sessions   map[string]*session // by session id
	byCallsign map[string]*session // canonical callsign -> bound session
	ghosts     map[string]ghost    // canonical callsign -> reconnect grace

	wg sync.WaitGroup
}

func newHub(clk clock.Clock, window time.Duration) *hub {
	return &hub{
		clock:      clk,
		window:     window,
		sessions:   make(map[string]*session),
		byCallsign: make(map[string]*session),
		ghosts:     make(map[string]ghost),
	}
}

// register creates a session for a freshly upgraded connection.  Identity is
// bound later by the hello frame; until then the session is anonymous and
// unreachable by callsign.
func (h *hub) register(conn *websocket.Conn, remoteAddr string) *session {
	sess := newSession(conn, remoteAddr, h.clock.Now())

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	return sess
}

// bindIdentity attaches an identity to a session.  A reconnect within the
// grace window adopts the ghost's original connect time; an existing live
// session for the same callsign is displaced and closed.
func (h *hub) bindIdentity(sess *session, id domain.Identity) (displaced *session) {
	id.Callsign = netutil.NormalizeCallsign(id.Callsign)
	now := h.clock.Now()

	h.mu.Lock()
	if prev := sess.snapshotIdentity(); prev.Callsign != "" && prev.Callsign != id.Callsign {
		// Re-hello under a new callsign releases the old mapping.
		if h.byCallsign[prev.Callsign] == sess {
			delete(h.byCallsign, prev.Callsign)
		}
	}
	if prev, ok := h.byCallsign[id.Callsign]; ok && prev != sess {
		delete(h.sessions, prev.id)
		displaced = prev
	}

	if g, ok := h.ghosts[id.Callsign]; ok {
		if now.Sub(g.disconnectedAt) <= h.window {
			sess.setConnectedAt(g.originalConnectedAt)
		}
		delete(h.ghosts, id.Callsign)
	}

	sess.bind(id)
	h.byCallsign[id.Callsign] = sess
	h.mu.Unlock()
	return displaced
}

// unregister drops the session and, when an identity was bound, leaves a
// ghost behind for the reconnect window.
func (h *hub) unregister(sess *session) {
	id := sess.snapshotIdentity()
	now := h.clock.Now()

	h.mu.Lock()
	delete(h.sessions, sess.id)
	if id.Callsign != "" && h.byCallsign[id.Callsign] == sess {
		delete(h.byCallsign, id.Callsign)
		h.ghosts[id.Callsign] = ghost{
			disconnectedAt:      now,
			originalConnectedAt: sess.currentConnectedAt(),
		}
	}
	h.mu.Unlock()
}

// lookup finds a live bound session by case-insensitive callsign.
func (h *hub) lookup(callsign string) (*session, bool) {
	callsign = netutil.NormalizeCallsign(callsign)
	h.mu.RLock()
	sess, ok := h.byCallsign[callsign]
	h.mu.RUnlock()
	return sess, ok
}

// isLive reports whether a callsign currently has a live session.
func (h *hub) isLive(callsign string) bool {
	_, ok := h.lookup(callsign)
	return ok
}

// isLiveNpub reports whether any bound session belongs to the npub.  Bound
// sessions are few, so a scan beats keeping a second index consistent.
func (h *hub) isLiveNpub(npub string) bool {
	if npub == "" {
		return false
	}
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.byCallsign))
	for _, sess := range h.byCallsign {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()

	for _, sess := range sessions {
		if sess.snapshotIdentity().Npub == npub {
			return true
		}
	}
	return false
}

// purgeGhosts drops reconnect ghosts older than the grace window.
func (h *hub) purgeGhosts() {
	cutoff := h.clock.Now().Add(-h.window)
	h.mu.Lock()
	for cs, g := range h.ghosts {
		if g.disconnectedAt.Before(cutoff) {
			delete(h.ghosts, cs)
		}
	}
	h.mu.Unlock()
}

// snapshot returns a point-in-time copy of every live session, safe to hand
// to handlers without holding the hub lock.
func (h *hub) snapshot() []domain.Device {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()

	out := make([]domain.Device, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.device())
	}
	return out
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// closeAll force-closes every connection.  Used on shutdown; read loops
// observe the close and unregister themselves.
func (h *hub) closeAll() {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	h.wg.Wait()
}
