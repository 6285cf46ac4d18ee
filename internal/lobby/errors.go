// internal/lobby/errors.go
package lobby

// Kind is the machine-readable category of a rejected lobby operation.
type Kind string

const (
	KindLobbyFull         Kind = "LobbyFull"
	KindLobbyClosed       Kind = "LobbyClosed"
	KindLobbyNotFound     Kind = "LobbyNotFound"
	KindUsernameTaken     Kind = "UsernameTaken"
	KindUnauthorized      Kind = "Unauthorized"
	KindTargetNotFound    Kind = "TargetNotFound"
	KindInvalidTarget     Kind = "InvalidTarget"
	KindInvalidSettings   Kind = "InvalidSettings"
	KindNotEnoughPlayers  Kind = "NotEnoughPlayers"
	KindPlayersUnverified Kind = "PlayersUnverified"
	KindGameInProgress    Kind = "GameInProgress"
	KindGameNotStarted    Kind = "GameNotStarted"
	KindMuted             Kind = "Muted"
	KindChatDisabled      Kind = "ChatDisabled"
	KindNotMember         Kind = "NotMember"
	KindInvalidPayload    Kind = "InvalidPayload"
)

// Rejection is returned by every session operation that refuses a mutation.
// The lobby is left unchanged whenever a Rejection is returned.
type Rejection struct {
	Kind    Kind
	Message string
}

func (r *Rejection) Error() string {
	return string(r.Kind) + ": " + r.Message
}

// Is matches any Rejection of the same Kind, so errors.Is(err, ErrLobbyFull)
// holds regardless of the message text.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Kind == r.Kind
}

func reject(kind Kind, msg string) *Rejection {
	return &Rejection{Kind: kind, Message: msg}
}

var (
	ErrLobbyFull         = reject(KindLobbyFull, "The lobby is full.")
	ErrLobbyClosed       = reject(KindLobbyClosed, "The lobby is closed to new players.")
	ErrLobbyNotFound     = reject(KindLobbyNotFound, "Lobby not found.")
	ErrUsernameTaken     = reject(KindUsernameTaken, "That username is already taken in this lobby.")
	ErrUnauthorized      = reject(KindUnauthorized, "You don't have permission for this action.")
	ErrTargetNotFound    = reject(KindTargetNotFound, "No such player in this lobby.")
	ErrInvalidTarget     = reject(KindInvalidTarget, "That action cannot target the lobby admin.")
	ErrInvalidSettings   = reject(KindInvalidSettings, "Invalid lobby settings.")
	ErrNotEnoughPlayers  = reject(KindNotEnoughPlayers, "At least 2 players are required to start the game.")
	ErrPlayersUnverified = reject(KindPlayersUnverified, "Some players haven't submitted their photos.")
	ErrGameInProgress    = reject(KindGameInProgress, "A game is already in progress.")
	ErrGameNotStarted    = reject(KindGameNotStarted, "The game has not started.")
	ErrMuted             = reject(KindMuted, "You are muted and cannot send messages.")
	ErrChatDisabled      = reject(KindChatDisabled, "Text channel is disabled.")
	ErrNotMember         = reject(KindNotMember, "You are not a member of this lobby.")
	ErrInvalidPayload    = reject(KindInvalidPayload, "Invalid payload.")
)
