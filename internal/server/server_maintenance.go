package server

import (
	"context"
	"time"
)

// runJanitor owns the periodic maintenance work: expiring sessions whose
// device stopped pinging, purging expired reconnect ghosts, and evicting
// idle rate-limit buckets.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireStaleSessions()
			s.hub.purgeGhosts()
			s.limiter.cleanup()
		}
	}
}

// expireStaleSessions closes connections whose last activity is older than
// the ping timeout.  The read loop notices the close and unregisters,
// leaving a reconnect ghost as for any other disconnect.
func (s *Server) expireStaleSessions() {
	now := s.clock.Now()

	for _, sess := range s.liveSessions() {
		last := sess.lastActivity()
		if now.Sub(last) <= s.cfg.PingTimeout {
			continue
		}
		if !sess.closing.CompareAndSwap(false, true) {
			continue
		}
		s.log.Warn("device ping timeout",
			"session_id", sess.id,
			"callsign", sess.snapshotIdentity().Callsign,
			"last_activity", last.UTC().Format(time.RFC3339))
		_ = sess.conn.Close()
	}
}

func (s *Server) liveSessions() []*session {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	sessions := make([]*session, 0, len(s.hub.sessions))
	for _, sess := range s.hub.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}
