// Package presence keeps the ephemeral directory of devices advertising
// backup-provider capacity.  Records live in memory only: they are refreshed
// by signed announcements, expire after a TTL, and are dropped the moment
// the advertising session disconnects.
package presence

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/geogram-dev/station/internal/domain"
	"github.com/geogram-dev/station/internal/netutil"
	"github.com/geogram-dev/station/internal/nostrauth"
	"github.com/geogram-dev/station/internal/stationproto"
)

// Record is one provider entry.  Callsign is canonical upper-case.
type Record struct {
	Callsign      string
	Npub          string
	Slots         int
	StorageMB     int
	RetentionDays int
	LastSeen      time.Time
}

// LiveFunc reports whether a callsign currently has a live session.
// Injected by the server so the registry never reaches into the session
// hub directly.
type LiveFunc func(callsign string) bool

// LiveNpubFunc reports whether a public key currently has a live session.
// Sessions may bind under a callsign that is not derivable from the key
// (a signed hello can carry its own callsign tag), so requester liveness
// is checked by key as well as by derived callsign.
type LiveNpubFunc func(npub string) bool

// Registry is the presence directory.  All operations are atomic under one
// mutex; none of them block.
type Registry struct {
	auth     *nostrauth.Authenticator
	clock    clock.Clock
	ttl      time.Duration
	live     LiveFunc
	liveNpub LiveNpubFunc
	log      *slog.Logger

	mu      sync.Mutex
	records map[string]Record
}

// New builds an empty registry with the given TTL.
func New(auth *nostrauth.Authenticator, clk clock.Clock, ttl time.Duration, live LiveFunc, liveNpub LiveNpubFunc, log *slog.Logger) *Registry {
	return &Registry{
		auth:     auth,
		clock:    clk,
		ttl:      ttl,
		live:     live,
		liveNpub: liveNpub,
		log:      log,
		records:  make(map[string]Record),
	}
}

// Announce validates a backup_provider_announce event against the announcing
// session's bound identity and upserts (or withdraws) the record.
//
// Rejection gates, in order: signature, freshness, topic/action pair,
// callsign tag vs bound callsign, embedded public-key id vs bound identity.
// An enabled=false announcement deletes the record outright.
func (r *Registry) Announce(boundCallsign, boundNpub string, ev *nostr.Event) error {
	if err := r.auth.VerifyEvent(ev); err != nil {
		return err
	}
	if nostrauth.TagValue(ev, stationproto.TagTopic) != stationproto.TopicBackupProvider ||
		nostrauth.TagValue(ev, stationproto.TagAction) != stationproto.ActionAnnounce {
		return fmt.Errorf("%w: wrong topic/action for provider announce", domain.ErrUnauthorized)
	}

	callsign := netutil.NormalizeCallsign(nostrauth.TagValue(ev, stationproto.TagCallsign))
	if callsign == "" || callsign != netutil.NormalizeCallsign(boundCallsign) {
		return domain.ErrImpersonation
	}

	npub, err := nostrauth.Npub(ev.PubKey)
	if err != nil {
		return fmt.Errorf("%w: undecodable public key", domain.ErrUnauthorized)
	}
	if boundNpub != "" && npub != boundNpub {
		return domain.ErrImpersonation
	}

	if nostrauth.TagValue(ev, stationproto.TagEnabled) == "false" {
		r.mu.Lock()
		_, existed := r.records[callsign]
		delete(r.records, callsign)
		r.mu.Unlock()
		if existed {
			r.log.Info("backup provider withdrawn", "callsign", callsign)
		}
		return nil
	}

	rec := Record{
		Callsign:      callsign,
		Npub:          npub,
		Slots:         tagInt(ev, stationproto.TagSlots),
		StorageMB:     tagInt(ev, stationproto.TagStorageMB),
		RetentionDays: tagInt(ev, stationproto.TagRetentionDays),
		LastSeen:      r.clock.Now(),
	}

	r.mu.Lock()
	r.records[callsign] = rec
	r.mu.Unlock()
	r.log.Debug("backup provider announced", "callsign", callsign, "slots", rec.Slots)
	return nil
}

// List authorizes the requester (a signed presence-query event whose signing
// identity currently has a live session) and returns all valid records.
// Stale and orphaned records are pruned as a side effect.
func (r *Registry) List(requester *nostr.Event) ([]Record, error) {
	if err := r.auth.VerifyEvent(requester); err != nil {
		return nil, err
	}
	if nostrauth.TagValue(requester, stationproto.TagTopic) != stationproto.TopicBackupQuery {
		return nil, fmt.Errorf("%w: wrong topic for provider query", domain.ErrUnauthorized)
	}
	npub, err := nostrauth.Npub(requester.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable public key", domain.ErrUnauthorized)
	}
	callsign, err := nostrauth.DeriveCallsign(requester.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable public key", domain.ErrUnauthorized)
	}
	if !r.liveNpub(npub) && !r.live(callsign) {
		return nil, fmt.Errorf("%w: requester has no live session", domain.ErrUnauthorized)
	}

	cutoff := r.clock.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for cs, rec := range r.records {
		if rec.LastSeen.Before(cutoff) || !r.live(cs) {
			delete(r.records, cs)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Drop removes any record for the callsign.  Called when its session
// disconnects; presence never outlives the session.
func (r *Registry) Drop(callsign string) {
	callsign = netutil.NormalizeCallsign(callsign)
	r.mu.Lock()
	delete(r.records, callsign)
	r.mu.Unlock()
}

// Len reports the current record count, stale entries included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func tagInt(ev *nostr.Event, name string) int {
	n, err := strconv.Atoi(nostrauth.TagValue(ev, name))
	if err != nil {
		return 0
	}
	return n
}
