package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Share tokens for guest tracking sessions.
 *
 * Description: A user can share one device with someone who has no
 *		account.  The share mints an opaque random token bound to
 *		that device with an expiry; the guest opens a WebSocket
 *		with it and sees that device only.
 *
 *		Tokens live in memory.  A restart revokes every share,
 *		which is acceptable: shares are short-lived by design.
 *		Expiry both removes the token and force-closes any
 *		socket still using it, through the OnExpire callback.
 *
 *------------------------------------------------------------------*/

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// GuestTable holds active share tokens.
type GuestTable struct {
	mu       sync.Mutex
	tokens   map[string]guestGrant
	onExpire func(token string)
	closed   bool
}

type guestGrant struct {
	deviceID int
	expires  time.Time
	timer    *time.Timer
}

func NewGuestTable() *GuestTable {
	return &GuestTable{tokens: make(map[string]guestGrant)}
}

// OnExpire registers the callback fired when a token is revoked or
// expires.  Must be set before the first Mint.
func (g *GuestTable) OnExpire(f func(token string)) {
	g.mu.Lock()
	g.onExpire = f
	g.mu.Unlock()
}

// Mint creates a token for deviceID valid until expires.  Returns ""
// when the expiry is not in the future.
func (g *GuestTable) Mint(deviceID int, expires time.Time) string {
	ttl := time.Until(expires)
	if ttl <= 0 {
		return ""
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		Log.Error("token generation failed", "err", err)
		return ""
	}
	token := hex.EncodeToString(buf)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ""
	}
	g.tokens[token] = guestGrant{
		deviceID: deviceID,
		expires:  expires,
		timer:    time.AfterFunc(ttl, func() { g.Revoke(token) }),
	}
	return token
}

// Lookup resolves a token to its device.  Expired tokens fail even if
// the timer has not fired yet.
func (g *GuestTable) Lookup(token string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grant, ok := g.tokens[token]
	if !ok || time.Now().After(grant.expires) {
		return 0, false
	}
	return grant.deviceID, true
}

// Revoke removes a token and closes its sessions.
func (g *GuestTable) Revoke(token string) {
	g.mu.Lock()
	grant, ok := g.tokens[token]
	if ok {
		grant.timer.Stop()
		delete(g.tokens, token)
	}
	onExpire := g.onExpire
	g.mu.Unlock()

	if ok && onExpire != nil {
		onExpire(token)
	}
}

// Len reports active tokens.
func (g *GuestTable) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

// Shutdown revokes everything.
func (g *GuestTable) Shutdown() {
	g.mu.Lock()
	g.closed = true
	tokens := make([]string, 0, len(g.tokens))
	for t := range g.tokens {
		tokens = append(tokens, t)
	}
	g.mu.Unlock()

	for _, t := range tokens {
		g.Revoke(t)
	}
}
