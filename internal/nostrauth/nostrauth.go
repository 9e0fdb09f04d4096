// Package nostrauth verifies detached signed events used as bearer
// credentials.  It enforces exactly two properties: the Schnorr signature
// must verify and the event timestamp must be within the freshness window.
// All tag-based authorization is left to callers.
package nostrauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/geogram-dev/station/internal/domain"
)

// headerScheme is the Authorization scheme carrying a base64 JSON event.
const headerScheme = "Nostr "

// verifiedCacheSize bounds the signature-check memo.  Entry keys are event
// ids; a hit skips the Schnorr verification, not the freshness check.
const verifiedCacheSize = 512

// Authenticator validates signed events against a clock source.
type Authenticator struct {
	clock    clock.Clock
	maxAge   time.Duration
	verified *lru.Cache[string, string] // event id -> pubkey
}

// New builds an Authenticator with the given freshness window.
func New(clk clock.Clock, maxAge time.Duration) *Authenticator {
	cache, _ := lru.New[string, string](verifiedCacheSize)
	return &Authenticator{clock: clk, maxAge: maxAge, verified: cache}
}

// VerifyHeader decodes an `Authorization: Nostr <base64-json>` value and
// returns the verified event.  The caller applies its own tag-based
// authorization on the result.
func (a *Authenticator) VerifyHeader(headerValue string) (*nostr.Event, error) {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return nil, fmt.Errorf("%w: missing authorization header", domain.ErrUnauthorized)
	}
	if len(headerValue) < len(headerScheme) || !strings.EqualFold(headerValue[:len(headerScheme)], headerScheme) {
		return nil, fmt.Errorf("%w: authorization scheme is not Nostr", domain.ErrUnauthorized)
	}
	payload := strings.TrimSpace(headerValue[len(headerScheme):])

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, fmt.Errorf("%w: invalid base64 payload", domain.ErrUnauthorized)
		}
	}

	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: invalid event JSON", domain.ErrUnauthorized)
	}
	if err := a.VerifyEvent(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// VerifyEvent checks signature validity and freshness of an already-parsed
// event.  The freshness bound is inclusive: an event exactly maxAge old is
// still accepted.
func (a *Authenticator) VerifyEvent(ev *nostr.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", domain.ErrUnauthorized)
	}

	if pk, ok := a.verified.Get(ev.ID); !ok || pk != ev.PubKey || ev.GetID() != ev.ID {
		ok, err := ev.CheckSignature()
		if err != nil || !ok {
			return domain.ErrBadSignature
		}
		a.verified.Add(ev.ID, ev.PubKey)
	}

	skew := a.clock.Now().Sub(ev.CreatedAt.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxAge {
		return fmt.Errorf("%w: event is %s old", domain.ErrStaleEvent, skew.Round(time.Second))
	}
	return nil
}

// Npub encodes a raw hex public key in bech32 npub form, the station's
// public-key-derived identity.
func Npub(pubkey string) (string, error) {
	return nip19.EncodePublicKey(pubkey)
}

// DeriveCallsign derives the station callsign from a raw public key: the
// literal "X3" followed by the first four npub characters after the
// "npub1" prefix, upper-cased.
func DeriveCallsign(pubkey string) (string, error) {
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return "", err
	}
	if len(npub) < 9 || !strings.HasPrefix(npub, "npub1") {
		return "", fmt.Errorf("unexpected npub form %q", npub)
	}
	return "X3" + strings.ToUpper(npub[5:9]), nil
}

// TagValue returns the first value of the named tag, or "" when absent.
func TagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
