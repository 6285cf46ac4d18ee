// internal/lobby/lobby.go
package lobby

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jason-s-yu/krackle/internal/identity"
	"github.com/sirupsen/logrus"
)

// DefaultKickReason is used when an admin kicks without giving a reason.
const DefaultKickReason = "No reason provided"

// Conn is the lobby's view of one live client connection. Send must never
// block: implementations queue the event or tear the connection down.
type Conn interface {
	Send(ev Event)
	Close(reason string)
}

// Journal receives every broadcast event in per-lobby sequence order.
// Record is called with the lobby lock held and must not block.
type Journal interface {
	Record(code string, seq uint64, actor string, ev Event)
}

// Member is a user's presence in a lobby. conn is nil only for the creator
// before their first connection arrives.
type Member struct {
	Username string
	Role     identity.Role
	Verified bool
	JoinedAt time.Time
	conn     Conn
}

// Lobby is one ephemeral lobby session. Every mutation runs under mu, and
// events are handed to connection queues before mu is released, which gives
// all members the same event order.
type Lobby struct {
	Code      string
	Name      string
	CreatedAt time.Time

	mu             sync.Mutex
	admin          string
	settings       Settings
	detection      DetectionSettings
	members        []*Member
	muted          map[string]bool
	acceptingJoins bool
	disbanded      bool
	roundState     RoundState
	round          int
	seq            uint64
	idleSince      time.Time

	journal Journal
	logger  *logrus.Entry
	now     func() time.Time

	// onEmpty fires once the lobby has no members left or was disbanded.
	onEmpty func(code string)
	// onAdminChange fires after the admin role moved from previous to next.
	onAdminChange func(code, previous, next string)
}

type lobbyHooks struct {
	journal       Journal
	logger        *logrus.Logger
	now           func() time.Time
	onEmpty       func(code string)
	onAdminChange func(code, previous, next string)
}

func newLobby(code, name, adminUsername string, settings Settings, hooks lobbyHooks) *Lobby {
	now := hooks.now
	if now == nil {
		now = time.Now
	}
	logger := hooks.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	created := now()
	return &Lobby{
		Code:      code,
		Name:      name,
		CreatedAt: created,
		admin:     adminUsername,
		settings:  settings,
		detection: DefaultDetectionSettings(),
		members: []*Member{{
			Username: adminUsername,
			Role:     identity.RoleAdmin,
			JoinedAt: created,
		}},
		muted:          make(map[string]bool),
		acceptingJoins: true,
		idleSince:      created,
		journal:        hooks.journal,
		logger:         logger.WithField("lobby", code),
		now:            now,
		onEmpty:        hooks.onEmpty,
		onAdminChange:  hooks.onAdminChange,
	}
}

// --- helpers, all assume mu is held ---

func (l *Lobby) findLocked(username string) (int, *Member) {
	for i, m := range l.members {
		if m.Username == username {
			return i, m
		}
	}
	return -1, nil
}

func (l *Lobby) viewLocked(m *Member) MemberView {
	return MemberView{
		Username: m.Username,
		Role:     m.Role,
		Verified: m.Verified,
		Muted:    l.muted[m.Username],
	}
}

func (l *Lobby) membersLocked() []MemberView {
	views := make([]MemberView, 0, len(l.members))
	for _, m := range l.members {
		views = append(views, l.viewLocked(m))
	}
	return views
}

func (l *Lobby) liveLocked() int {
	n := 0
	for _, m := range l.members {
		if m.conn != nil {
			n++
		}
	}
	return n
}

func (l *Lobby) adminLiveLocked() bool {
	_, m := l.findLocked(l.admin)
	return m != nil && m.conn != nil
}

// markIdleLocked runs the idle clock while nobody is connected or the admin
// seat is still waiting for its first connection, and stops it otherwise.
func (l *Lobby) markIdleLocked() {
	if l.liveLocked() > 0 && l.adminLiveLocked() {
		l.idleSince = time.Time{}
		return
	}
	if l.idleSince.IsZero() {
		l.idleSince = l.now()
	}
}

func (l *Lobby) removeLocked(i int) {
	l.members = append(l.members[:i], l.members[i+1:]...)
	l.markIdleLocked()
}

// broadcastLocked journals ev and queues it on every live connection.
func (l *Lobby) broadcastLocked(actor string, ev Event) {
	l.seq++
	if l.journal != nil {
		l.journal.Record(l.Code, l.seq, actor, ev)
	}
	for _, m := range l.members {
		if m.conn != nil {
			m.conn.Send(ev)
		}
	}
}

// memberLocked resolves the acting member or rejects with NotMember.
func (l *Lobby) memberLocked(username string) (*Member, error) {
	if _, m := l.findLocked(username); m != nil {
		return m, nil
	}
	return nil, ErrNotMember
}

// adminLocked resolves the acting member and requires the admin role.
func (l *Lobby) adminLocked(username string) error {
	if _, err := l.memberLocked(username); err != nil {
		return err
	}
	if username != l.admin {
		return ErrUnauthorized
	}
	return nil
}

// targetLocked resolves a non-admin target of a moderation action.
func (l *Lobby) targetLocked(username string) (int, *Member, error) {
	if username == "" {
		return -1, nil, reject(KindTargetNotFound, "No target specified.")
	}
	i, m := l.findLocked(username)
	if m == nil {
		return -1, nil, ErrTargetNotFound
	}
	if username == l.admin {
		return -1, nil, ErrInvalidTarget
	}
	return i, m, nil
}

// joinCheckLocked applies the admission rules for a username that is not
// already a pending member.
func (l *Lobby) joinCheckLocked(username string) error {
	if l.disbanded {
		return reject(KindLobbyClosed, "The lobby has been disbanded.")
	}
	if _, m := l.findLocked(username); m != nil {
		if m.conn != nil {
			return ErrUsernameTaken
		}
		return nil
	}
	if !l.acceptingJoins {
		return ErrLobbyClosed
	}
	if len(l.members) >= l.settings.MaxPlayers {
		return ErrLobbyFull
	}
	return nil
}

// CheckJoin reports whether username could join right now. It is advisory;
// Join repeats the check atomically.
func (l *Lobby) CheckJoin(username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joinCheckLocked(username)
}

// Join admits username over conn. A pending creator is attached to the seat
// reserved at creation; anyone else gets a new player seat.
func (l *Lobby) Join(username string, conn Conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.joinCheckLocked(username); err != nil {
		return err
	}
	_, m := l.findLocked(username)
	if m == nil {
		m = &Member{Username: username, Role: identity.RolePlayer, JoinedAt: l.now()}
		l.members = append(l.members, m)
	}
	m.conn = conn
	l.markIdleLocked()

	view := l.viewLocked(m)
	members := l.membersLocked()
	conn.Send(JoinAccepted{
		LobbyCode:     l.Code,
		LobbyName:     l.Name,
		You:           view,
		Admin:         l.admin,
		Members:       members,
		Settings:      l.settings,
		FaceDetection: l.detection,
		Round:         l.round,
		RoundState:    l.roundState.String(),
		Closed:        !l.acceptingJoins,
	})
	l.broadcastLocked(username, PlayerJoined{Member: view, Members: members})
	l.logger.WithField("user", username).Info("player joined")
	return nil
}

// Leave removes username if conn is still the connection representing them.
// A departing admin hands the role to the earliest-joined remaining member.
func (l *Lobby) Leave(username string, conn Conn) error {
	after, err := l.leave(username, conn)
	if after != nil {
		after()
	}
	return err
}

func (l *Lobby) leave(username string, conn Conn) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, m := l.findLocked(username)
	if m == nil || m.conn == nil || m.conn != conn {
		return nil, ErrNotMember
	}
	l.removeLocked(i)
	l.broadcastLocked(username, PlayerLeft{Username: username, Members: l.membersLocked()})
	l.logger.WithField("user", username).Info("player left")

	if len(l.members) == 0 {
		l.disbanded = true
		return l.emptyHook(), nil
	}
	if username != l.admin {
		return nil, nil
	}

	next := l.members[0]
	next.Role = identity.RoleAdmin
	l.admin = next.Username
	l.markIdleLocked()
	l.broadcastLocked("", AdminChanged{Username: next.Username, Previous: username})
	l.logger.WithFields(logrus.Fields{"previous": username, "admin": next.Username}).Info("admin role transferred")

	hook := l.onAdminChange
	code := l.Code
	if hook == nil {
		return nil, nil
	}
	return func() { hook(code, username, next.Username) }, nil
}

func (l *Lobby) emptyHook() func() {
	hook := l.onEmpty
	code := l.Code
	if hook == nil {
		return nil
	}
	return func() { hook(code) }
}

// Kick removes target on behalf of the admin. The target is told why before
// their connection is closed; everyone else gets PlayerKicked.
func (l *Lobby) Kick(actor, target, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.adminLocked(actor); err != nil {
		return err
	}
	i, m, err := l.targetLocked(target)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultKickReason
	}

	if m.conn != nil {
		m.conn.Send(Kicked{Reason: reason})
		m.conn.Close("kicked")
	}
	l.removeLocked(i)
	l.broadcastLocked(actor, PlayerKicked{Target: target, Reason: reason, Members: l.membersLocked()})
	l.logger.WithFields(logrus.Fields{"user": target, "reason": reason}).Info("player kicked")
	return nil
}

// Mute silences target's chat. The mute follows the username, not the seat.
func (l *Lobby) Mute(actor, target string) error {
	return l.setMuted(actor, target, true)
}

// Unmute lifts a mute.
func (l *Lobby) Unmute(actor, target string) error {
	return l.setMuted(actor, target, false)
}

func (l *Lobby) setMuted(actor, target string, muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.adminLocked(actor); err != nil {
		return err
	}
	_, m, err := l.targetLocked(target)
	if err != nil {
		return err
	}
	if muted {
		l.muted[target] = true
	} else {
		delete(l.muted, target)
	}
	if m.conn != nil {
		if muted {
			m.conn.Send(Muted{Target: target})
		} else {
			m.conn.Send(Unmuted{Target: target})
		}
	}
	return nil
}

// ChangeSettings applies patch all-or-nothing and broadcasts the result.
func (l *Lobby) ChangeSettings(actor string, patch SettingsPatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.adminLocked(actor); err != nil {
		return err
	}
	if patch.Empty() {
		return reject(KindInvalidSettings, "No valid settings to change.")
	}
	next, err := patch.Apply(l.settings)
	if err != nil {
		return err
	}
	if next.MaxPlayers < len(l.members) {
		return reject(KindInvalidSettings,
			fmt.Sprintf("max_players cannot be lower than the current number of players (%d).", len(l.members)))
	}
	l.settings = next
	l.broadcastLocked(actor, SettingsChanged{Settings: next, ChangedBy: actor})
	return nil
}

// SetDetectionSettings applies patch to the face detection settings and
// broadcasts the result.
func (l *Lobby) SetDetectionSettings(actor string, patch DetectionSettingsPatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.adminLocked(actor); err != nil {
		return err
	}
	l.detection = patch.Apply(l.detection)
	l.broadcastLocked(actor, DetectionSettingsChanged{Settings: l.detection, ChangedBy: actor})
	l.logger.WithFields(logrus.Fields{"user": actor, "enabled": l.detection.Enabled}).Info("face detection settings changed")
	return nil
}

// StartGame moves the lobby into the playing state at round zero.
func (l *Lobby) StartGame(actor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.adminLocked(actor); err != nil {
		return err
	}
	if l.roundState == RoundPlaying {
		return ErrGameInProgress
	}
	if len(l.members) < MinPlayers {
		return ErrNotEnoughPlayers
	}
	if l.settings.RequireVerification {
		var pending []string
		for _, m := range l.members {
			if !m.Verified {
				pending = append(pending, m.Username)
			}
		}
		if len(pending) > 0 {
			return reject(KindPlayersUnverified,
				"Some players haven't submitted their photos: "+strings.Join(pending, ", "))
		}
	}
	l.roundState = RoundPlaying
	l.round = 0
	l.broadcastLocked(actor, GameStarted{StartedBy: actor, Settings: l.settings})
	l.logger.WithField("user", actor).Info("game started")
	return nil
}

// AdvanceRound moves to the next round. next is asked for the round's video
// URL; once every configured round has been played the game ends instead.
// An error from next leaves the round counter untouched.
func (l *Lobby) AdvanceRound(actor string, next func(round int) (string, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.adminLocked(actor); err != nil {
		return err
	}
	if l.roundState != RoundPlaying {
		return ErrGameNotStarted
	}
	round := l.round + 1
	if round > l.settings.Rounds {
		l.roundState = RoundFinished
		l.broadcastLocked(actor, GameOver{Rounds: l.settings.Rounds})
		l.logger.Info("game over")
		return nil
	}
	url, err := next(round)
	if err != nil {
		return err
	}
	l.round = round
	l.broadcastLocked(actor, GameVideo{URL: url, Round: round})
	return nil
}

// Close stops new joins. Current members are unaffected.
func (l *Lobby) Close(actor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.adminLocked(actor); err != nil {
		return err
	}
	l.acceptingJoins = false
	l.broadcastLocked(actor, LobbyClosed{ClosedBy: actor})
	l.logger.Info("lobby closed to new players")
	return nil
}

// Disband tells every member the lobby is over, closes their connections and
// removes the lobby.
func (l *Lobby) Disband(actor string) error {
	after, err := l.disband(actor)
	if after != nil {
		after()
	}
	return err
}

// expireIdle disbands the lobby without an acting admin if its idle clock
// has run for at least maxIdle. The check and the teardown happen under one
// lock, so a join that lands first keeps the lobby alive.
func (l *Lobby) expireIdle(maxIdle time.Duration) (time.Duration, bool) {
	l.mu.Lock()
	if l.disbanded || l.idleSince.IsZero() {
		l.mu.Unlock()
		return 0, false
	}
	idle := l.now().Sub(l.idleSince)
	if idle < maxIdle {
		l.mu.Unlock()
		return idle, false
	}
	after := l.disbandLocked("")
	l.mu.Unlock()

	if after != nil {
		after()
	}
	return idle, true
}

func (l *Lobby) disband(actor string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disbanded {
		return nil, nil
	}
	if err := l.adminLocked(actor); err != nil {
		return nil, err
	}
	return l.disbandLocked(actor), nil
}

func (l *Lobby) disbandLocked(actor string) func() {
	l.broadcastLocked(actor, LobbyDisbanded{DisbandedBy: actor})
	for _, m := range l.members {
		if m.conn != nil {
			m.conn.Close("lobby disbanded")
		}
	}
	l.members = nil
	l.disbanded = true
	l.logger.WithField("user", actor).Info("lobby disbanded")
	return l.emptyHook()
}

// Chat broadcasts a message from actor verbatim.
func (l *Lobby) Chat(actor, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.memberLocked(actor)
	if err != nil {
		return err
	}
	if l.muted[actor] {
		return ErrMuted
	}
	if l.settings.TextDisabled {
		return ErrChatDisabled
	}
	l.broadcastLocked(actor, ChatMessage{
		Sender:     actor,
		SenderRole: m.Role,
		Text:       text,
		Timestamp:  l.now().UTC(),
	})
	return nil
}

// Verify marks username as verified and broadcasts who is verified so far.
func (l *Lobby) Verify(username, method string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.memberLocked(username)
	if err != nil {
		return err
	}
	m.Verified = true
	var verified []string
	for _, mm := range l.members {
		if mm.Verified {
			verified = append(verified, mm.Username)
		}
	}
	l.broadcastLocked(username, PlayerVerified{Username: username, Method: method, Verified: verified})
	return nil
}

// Telemetry relays an opaque payload about subject to every member,
// the sender included.
func (l *Lobby) Telemetry(actor, subject string, payload json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.memberLocked(actor); err != nil {
		return err
	}
	l.broadcastLocked(actor, TelemetryUpdate{Username: subject, Payload: payload})
	l.logger.WithFields(logrus.Fields{"user": actor, "subject": subject}).Debug("telemetry relayed")
	return nil
}

// --- read-only accessors ---

// Members returns the current roster in join order.
func (l *Lobby) Members() []MemberView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.membersLocked()
}

// HasMember reports whether username holds a seat, connected or pending.
func (l *Lobby) HasMember(username string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, m := l.findLocked(username)
	return m != nil
}

// Admin returns the username holding the admin role.
func (l *Lobby) Admin() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admin
}

// Settings returns a copy of the current settings.
func (l *Lobby) Settings() Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// Round returns the round state and the current round number.
func (l *Lobby) Round() (RoundState, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roundState, l.round
}

// AcceptingJoins reports whether close_lobby has not been used yet.
func (l *Lobby) AcceptingJoins() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acceptingJoins
}

// Disbanded reports whether the lobby has ended.
func (l *Lobby) Disbanded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disbanded
}

// DetectionSettings returns the current face detection settings.
func (l *Lobby) DetectionSettings() DetectionSettings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detection
}

// IsMuted reports whether username is on the mute list.
func (l *Lobby) IsMuted(username string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted[username]
}

// IdleSince returns when the idle clock started. The second result is false
// while the admin and at least one member are connected.
func (l *Lobby) IdleSince() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idleSince, !l.idleSince.IsZero()
}

// Status values reported by the lobby list.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

func (l *Lobby) statusLocked() string {
	switch {
	case !l.acceptingJoins || l.disbanded:
		return StatusClosed
	case l.roundState == RoundPlaying:
		return StatusInProgress
	default:
		return StatusOpen
	}
}

// Summary is one row of the lobby list.
type Summary struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	CurrentPlayers int    `json:"current_players"`
	MaxPlayers     int    `json:"max_players"`
	Status         string `json:"status"`
}

// Summary returns the list view of the lobby.
func (l *Lobby) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Summary{
		Code:           l.Code,
		Name:           l.Name,
		CurrentPlayers: len(l.members),
		MaxPlayers:     l.settings.MaxPlayers,
		Status:         l.statusLocked(),
	}
}

// Detail is the single-lobby view served to the play page.
type Detail struct {
	LobbyCode    string   `json:"lobby_code"`
	LobbyName    string   `json:"lobby_name"`
	HostUsername string   `json:"host_username"`
	MaxPlayers   int      `json:"max_players"`
	Rounds       int      `json:"rounds"`
	Round        int      `json:"round"`
	Status       string   `json:"status"`
	Players      []string `json:"players"`
}

// Detail returns the single-lobby view, players sorted by join order.
func (l *Lobby) Detail() Detail {
	l.mu.Lock()
	defer l.mu.Unlock()
	players := make([]string, 0, len(l.members))
	for _, m := range l.members {
		players = append(players, m.Username)
	}
	return Detail{
		LobbyCode:    l.Code,
		LobbyName:    l.Name,
		HostUsername: l.admin,
		MaxPlayers:   l.settings.MaxPlayers,
		Rounds:       l.settings.Rounds,
		Round:        l.round,
		Status:       l.statusLocked(),
		Players:      players,
	}
}

// sortByCreation orders lobbies oldest first, ties broken by code.
func sortByCreation(lobbies []*Lobby) {
	sort.Slice(lobbies, func(i, j int) bool {
		if lobbies[i].CreatedAt.Equal(lobbies[j].CreatedAt) {
			return lobbies[i].Code < lobbies[j].Code
		}
		return lobbies[i].CreatedAt.Before(lobbies[j].CreatedAt)
	})
}
