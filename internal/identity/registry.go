// internal/identity/registry.go
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// tokenBytes gives 128 bits of entropy per token.
const tokenBytes = 16

var (
	// ErrInvalidToken is returned for unknown, revoked or expired tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenInUse is returned when a token is already bound to a live connection.
	ErrTokenInUse = errors.New("token already bound to a live connection")
)

// Role is the authorization level a token grants inside its lobby.
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "lobby-admin"
)

// ParseRole accepts the two wire spellings and nothing else.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RolePlayer, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

// Claims is what a token proves about its holder.
type Claims struct {
	LobbyCode string
	Username  string
	Role      Role
}

type entry struct {
	claims     Claims
	connID     string    // non-empty while a live connection holds the token
	releasedAt time.Time // set when the last holder disconnected

	// prevReleased is releasedAt as it was before the current Bind, restored
	// by Abort so a refused rejoin does not reset the window.
	prevReleased time.Time
}

// Registry issues opaque session tokens and tracks which connection, if any,
// currently holds each one.
type Registry struct {
	mu           sync.Mutex
	tokens       map[string]*entry
	rejoinWindow time.Duration
	now          func() time.Time
}

// NewRegistry returns an empty registry. A released token stays usable for
// rejoinWindow; zero disables rejoining.
func NewRegistry(rejoinWindow time.Duration) *Registry {
	return &Registry{
		tokens:       make(map[string]*entry),
		rejoinWindow: rejoinWindow,
		now:          time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue mints a token bound to (lobbyCode, username, role).
func (r *Registry) Issue(lobbyCode, username string, role Role) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = &entry{claims: Claims{LobbyCode: lobbyCode, Username: username, Role: role}}
	return token, nil
}

// expiredLocked reports whether a released token has outlived the rejoin window.
func (r *Registry) expiredLocked(e *entry) bool {
	if e.connID != "" || e.releasedAt.IsZero() {
		return false
	}
	return r.now().Sub(e.releasedAt) >= r.rejoinWindow
}

// lookupLocked returns the live entry for token, dropping it if it expired.
func (r *Registry) lookupLocked(token string) (*entry, bool) {
	e, ok := r.tokens[token]
	if !ok {
		return nil, false
	}
	if r.expiredLocked(e) {
		delete(r.tokens, token)
		return nil, false
	}
	return e, true
}

// Validate returns the claims of a live token.
func (r *Registry) Validate(token string) (Claims, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lookupLocked(token)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	return e.claims, nil
}

// Bind marks token as held by connID. A second connection is refused with
// ErrTokenInUse until the first one releases it.
func (r *Registry) Bind(token, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lookupLocked(token)
	if !ok {
		return ErrInvalidToken
	}
	if e.connID != "" {
		return ErrTokenInUse
	}
	e.connID = connID
	e.prevReleased = e.releasedAt
	e.releasedAt = time.Time{}
	return nil
}

// Release unbinds connID after a disconnect and starts the rejoin window.
// Releasing with a connID that does not hold the token is a no-op.
func (r *Registry) Release(token, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[token]
	if !ok || e.connID != connID {
		return
	}
	e.connID = ""
	e.releasedAt = r.now()
	if r.rejoinWindow <= 0 {
		delete(r.tokens, token)
	}
}

// Abort unbinds connID after a handshake that never produced a session,
// leaving the token exactly as it was before Bind. A token that was inside
// its rejoin window keeps the original deadline.
func (r *Registry) Abort(token, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tokens[token]; ok && e.connID == connID {
		e.connID = ""
		e.releasedAt = e.prevReleased
		e.prevReleased = time.Time{}
	}
}

// RevokeUser deletes every token held by username in lobbyCode.
func (r *Registry) RevokeUser(lobbyCode, username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, e := range r.tokens {
		if e.claims.LobbyCode == lobbyCode && e.claims.Username == username {
			delete(r.tokens, token)
			n++
		}
	}
	return n
}

// RevokeLobby deletes every token scoped to lobbyCode.
func (r *Registry) RevokeLobby(lobbyCode string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, e := range r.tokens {
		if e.claims.LobbyCode == lobbyCode {
			delete(r.tokens, token)
			n++
		}
	}
	return n
}

// SetRole re-roles every token username holds in lobbyCode, used when the
// admin role moves to another member.
func (r *Registry) SetRole(lobbyCode, username string, role Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.tokens {
		if e.claims.LobbyCode == lobbyCode && e.claims.Username == username {
			e.claims.Role = role
			n++
		}
	}
	return n
}

// Sweep drops tokens whose rejoin window has passed and returns how many.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, e := range r.tokens {
		if r.expiredLocked(e) {
			delete(r.tokens, token)
			n++
		}
	}
	return n
}

// Len returns the number of tracked tokens, expired ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
