// internal/lobby/lobby_store.go
package lobby

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jason-s-yu/krackle/internal/identity"
	"github.com/sirupsen/logrus"
)

const (
	codeBytes        = 3
	maxCodeAttempts  = 64
	defaultReapEvery = 30 * time.Second
)

// ErrCodeSpaceExhausted is returned when no free lobby code could be drawn.
var ErrCodeSpaceExhausted = errors.New("could not allocate a unique lobby code")

// LobbyStore manages active ephemeral lobbies in memory, keyed by code.
// It owns the token registry so that lobby removal and admin transfer keep
// tokens in step with the lobby.
type LobbyStore struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby

	tokens  *identity.Registry
	journal Journal
	logger  *logrus.Logger
	now     func() time.Time
	newCode func() (string, error)
}

// NewLobbyStore initializes an empty store. journal may be nil.
func NewLobbyStore(tokens *identity.Registry, journal Journal, logger *logrus.Logger) *LobbyStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LobbyStore{
		lobbies: make(map[string]*Lobby),
		tokens:  tokens,
		journal: journal,
		logger:  logger,
		now:     time.Now,
		newCode: randomCode,
	}
}

// randomCode draws a six-character upper-case hex code.
func randomCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lobby code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// Tokens returns the registry the store issues tokens from.
func (s *LobbyStore) Tokens() *identity.Registry {
	return s.tokens
}

// CreateLobby registers a new lobby with adminUsername as its only member
// and returns it together with a freshly minted admin token.
func (s *LobbyStore) CreateLobby(name, adminUsername string, settings Settings) (*Lobby, string, error) {
	if strings.TrimSpace(adminUsername) == "" {
		return nil, "", reject(KindInvalidPayload, "Username is required.")
	}
	if strings.TrimSpace(name) == "" {
		return nil, "", reject(KindInvalidPayload, "Lobby name is required.")
	}
	if err := settings.Validate(); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	var code string
	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			s.mu.Unlock()
			return nil, "", ErrCodeSpaceExhausted
		}
		c, err := s.newCode()
		if err != nil {
			s.mu.Unlock()
			return nil, "", err
		}
		if _, taken := s.lobbies[c]; !taken {
			code = c
			break
		}
	}
	l := newLobby(code, name, adminUsername, settings, lobbyHooks{
		journal:       s.journal,
		logger:        s.logger,
		now:           s.now,
		onEmpty:       func(code string) { s.DeleteLobby(code) },
		onAdminChange: s.transferAdmin,
	})
	s.lobbies[code] = l
	s.mu.Unlock()

	token, err := s.tokens.Issue(code, adminUsername, identity.RoleAdmin)
	if err != nil {
		s.DeleteLobby(code)
		return nil, "", err
	}
	s.logger.WithFields(logrus.Fields{"lobby": code, "user": adminUsername}).Info("lobby created")
	return l, token, nil
}

// IssuePlayerToken mints a player token for username in lobby code after
// the advisory admission check.
func (s *LobbyStore) IssuePlayerToken(code, username string) (*Lobby, string, error) {
	if strings.TrimSpace(username) == "" {
		return nil, "", reject(KindInvalidPayload, "Username is required.")
	}
	l, err := s.GetLobby(code)
	if err != nil {
		return nil, "", err
	}
	if err := l.CheckJoin(username); err != nil {
		return nil, "", err
	}
	// A pending seat belongs to whoever holds its token already.
	if l.HasMember(username) {
		return nil, "", ErrUsernameTaken
	}
	token, err := s.tokens.Issue(code, username, identity.RolePlayer)
	if err != nil {
		return nil, "", err
	}
	return l, token, nil
}

func (s *LobbyStore) transferAdmin(code, previous, next string) {
	s.tokens.SetRole(code, previous, identity.RolePlayer)
	s.tokens.SetRole(code, next, identity.RoleAdmin)
}

// GetLobby returns the lobby for code or ErrLobbyNotFound.
func (s *LobbyStore) GetLobby(code string) (*Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	return l, nil
}

// DeleteLobby removes the lobby and revokes every token scoped to it.
// It reports whether anything was removed. Revocation happens before the
// code is released, so a lobby that later draws the same code keeps its
// tokens.
func (s *LobbyStore) DeleteLobby(code string) bool {
	s.mu.Lock()
	_, ok := s.lobbies[code]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.lobbies, code)
	revoked := s.tokens.RevokeLobby(code)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"lobby": code, "tokens": revoked}).Info("lobby removed")
	return true
}

// GetLobbies returns the active lobbies, oldest first.
func (s *LobbyStore) GetLobbies() []*Lobby {
	s.mu.Lock()
	out := make([]*Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		out = append(out, l)
	}
	s.mu.Unlock()
	sortByCreation(out)
	return out
}

// Len returns the number of active lobbies.
func (s *LobbyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies)
}

// ReapIdle disbands lobbies whose idle clock has run for at least maxIdle
// and returns how many it removed. A lobby is idle while nobody is connected
// or while its admin has never connected.
func (s *LobbyStore) ReapIdle(maxIdle time.Duration) int {
	n := 0
	for _, l := range s.GetLobbies() {
		idle, expired := l.expireIdle(maxIdle)
		if !expired {
			continue
		}
		n++
		s.logger.WithFields(logrus.Fields{"lobby": l.Code, "idle": idle.String()}).Info("reaped idle lobby")
	}
	return n
}

// RunReaper reaps idle lobbies and expired tokens until ctx is cancelled.
// A non-positive maxIdle only sweeps tokens.
func (s *LobbyStore) RunReaper(ctx context.Context, maxIdle time.Duration) {
	interval := defaultReapEvery
	if maxIdle > 0 && maxIdle/2 < interval {
		interval = maxIdle / 2
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if maxIdle > 0 {
				s.ReapIdle(maxIdle)
			}
			if swept := s.tokens.Sweep(); swept > 0 {
				s.logger.WithField("tokens", swept).Debug("swept expired tokens")
			}
		}
	}
}
