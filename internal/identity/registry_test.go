package identity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(window time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(window)
	r.SetClock(clock.Now)
	return r, clock
}

func TestIssueAndValidate(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	token, err := r.Issue("ABC123", "alice", RoleAdmin)
	require.NoError(t, err)
	assert.Len(t, token, tokenBytes*2, "token should be hex encoded")

	claims, err := r.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, Claims{LobbyCode: "ABC123", Username: "alice", Role: RoleAdmin}, claims)

	_, err = r.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensAreUnique(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		token, err := r.Issue("ABC123", "bob", RolePlayer)
		require.NoError(t, err)
		require.False(t, seen[token], "duplicate token issued")
		seen[token] = true
	}
}

func TestBindRejectsSecondConnection(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	token, err := r.Issue("ABC123", "bob", RolePlayer)
	require.NoError(t, err)

	require.NoError(t, r.Bind(token, "conn-1"))
	assert.ErrorIs(t, r.Bind(token, "conn-2"), ErrTokenInUse)

	// A release from the wrong connection must not free the token.
	r.Release(token, "conn-2")
	assert.ErrorIs(t, r.Bind(token, "conn-3"), ErrTokenInUse)
}

func TestConcurrentBindExactlyOneWins(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	token, err := r.Issue("ABC123", "bob", RolePlayer)
	require.NoError(t, err)

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, inUse := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Bind(token, time.Duration(i).String())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if err == ErrTokenInUse {
				inUse++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, inUse)
}

func TestRejoinWithinWindow(t *testing.T) {
	r, clock := newTestRegistry(30 * time.Second)
	token, err := r.Issue("ABC123", "bob", RolePlayer)
	require.NoError(t, err)

	require.NoError(t, r.Bind(token, "conn-1"))
	r.Release(token, "conn-1")

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Bind(token, "conn-2"), "rejoin inside the window should succeed")
	r.Release(token, "conn-2")

	clock.Advance(31 * time.Second)
	assert.ErrorIs(t, r.Bind(token, "conn-3"), ErrInvalidToken, "rejoin after the window should fail")
	_, err = r.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestReleaseWithoutWindowDeletes(t *testing.T) {
	r, _ := newTestRegistry(0)
	token, err := r.Issue("ABC123", "bob", RolePlayer)
	require.NoError(t, err)
	require.NoError(t, r.Bind(token, "conn-1"))
	r.Release(token, "conn-1")

	_, err = r.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAbortKeepsTokenFresh(t *testing.T) {
	r, clock := newTestRegistry(time.Second)
	token, err := r.Issue("ABC123", "bob", RolePlayer)
	require.NoError(t, err)

	require.NoError(t, r.Bind(token, "conn-1"))
	r.Abort(token, "conn-1")

	clock.Advance(time.Hour)
	require.NoError(t, r.Bind(token, "conn-2"), "an aborted handshake must not start the rejoin window")
}

func TestAbortedRejoinKeepsWindowDeadline(t *testing.T) {
	r, clock := newTestRegistry(30 * time.Second)
	token, err := r.Issue("ABC123", "bob", RolePlayer)
	require.NoError(t, err)

	require.NoError(t, r.Bind(token, "conn-1"))
	r.Release(token, "conn-1")

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Bind(token, "conn-2"))
	r.Abort(token, "conn-2")

	clock.Advance(10 * time.Second)
	_, err = r.Validate(token)
	require.NoError(t, err, "still inside the original window")

	clock.Advance(time.Hour)
	_, err = r.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "a refused rejoin must not make the token permanent")
}

func TestRevokeAndSetRole(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	admin, _ := r.Issue("AAA111", "alice", RoleAdmin)
	bob1, _ := r.Issue("AAA111", "bob", RolePlayer)
	bob2, _ := r.Issue("AAA111", "bob", RolePlayer)
	other, _ := r.Issue("BBB222", "bob", RolePlayer)

	assert.Equal(t, 2, r.SetRole("AAA111", "bob", RoleAdmin))
	claims, err := r.Validate(bob2)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)

	assert.Equal(t, 2, r.RevokeUser("AAA111", "bob"))
	_, err = r.Validate(bob1)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = r.Validate(other)
	assert.NoError(t, err, "tokens in other lobbies are untouched")

	assert.Equal(t, 1, r.RevokeLobby("AAA111"))
	_, err = r.Validate(admin)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSweep(t *testing.T) {
	r, clock := newTestRegistry(time.Second)
	a, _ := r.Issue("AAA111", "alice", RoleAdmin)
	_, _ = r.Issue("AAA111", "bob", RolePlayer)

	require.NoError(t, r.Bind(a, "c1"))
	r.Release(a, "c1")
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 1, r.Len())
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole("lobby-admin")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, role)

	_, ok = ParseRole("admin")
	assert.False(t, ok)
}
