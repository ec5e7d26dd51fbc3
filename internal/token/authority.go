// Package token issues and validates the per-viewer credentials that gate
// access to the stream proxy. A token is an opaque random string bound to a
// (room, connection) pair with an absolute expiry; it is only honored while
// that connection is still a member of that room, which is re-checked on
// every validation rather than cached.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// DefaultTTL is the default token lifetime.
const DefaultTTL = 24 * time.Hour

// Membership answers whether a connection is currently a member of a room.
// Implemented by the party registry.
type Membership interface {
	IsMember(roomID, connID string) bool
}

type entry struct {
	roomID  string
	connID  string
	expires time.Time
}

// Authority owns the credential table. It is safe for concurrent use by the
// sync router (issuing) and the stream proxy (validating on every segment
// fetch).
type Authority struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	tokens map[string]entry
}

// NewAuthority returns an Authority issuing tokens valid for ttl.
// ttl <= 0 selects DefaultTTL.
func NewAuthority(ttl time.Duration) *Authority {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authority{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]entry),
	}
}

// Issue creates a fresh token for the (room, connection) pair and sweeps
// expired entries as a side effect.
func (a *Authority) Issue(roomID, connID string) string {
	tok := randomToken()
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	for t, e := range a.tokens {
		if now.After(e.expires) {
			delete(a.tokens, t)
		}
	}
	a.tokens[tok] = entry{roomID: roomID, connID: connID, expires: now.Add(a.ttl)}
	return tok
}

// GetOrIssue returns the existing non-expired token bound to exactly this
// (room, connection) pair, or issues a new one. At most one live token per
// pair exists through this path, which bounds table growth.
func (a *Authority) GetOrIssue(roomID, connID string) string {
	now := a.now()

	a.mu.RLock()
	for t, e := range a.tokens {
		if e.roomID == roomID && e.connID == connID && !now.After(e.expires) {
			a.mu.RUnlock()
			return t
		}
	}
	a.mu.RUnlock()

	return a.Issue(roomID, connID)
}

// Validate reports whether tok is known, unexpired, and bound to a connection
// that is still a member of its room. Expired tokens are evicted immediately.
func (a *Authority) Validate(tok string, members Membership) bool {
	if tok == "" {
		return false
	}

	a.mu.RLock()
	e, ok := a.tokens[tok]
	a.mu.RUnlock()
	if !ok {
		return false
	}

	if a.now().After(e.expires) {
		a.mu.Lock()
		// Re-check under the write lock; a concurrent Issue may have
		// already swept it.
		if cur, still := a.tokens[tok]; still && a.now().After(cur.expires) {
			delete(a.tokens, tok)
		}
		a.mu.Unlock()
		return false
	}

	return members.IsMember(e.roomID, e.connID)
}

// Count returns the number of tokens currently held, expired or not.
// Used for tests and metrics.
func (a *Authority) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tokens)
}

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
