// internal/lobby/events.go
package lobby

import (
	"encoding/json"
	"time"

	"github.com/jason-s-yu/krackle/internal/identity"
)

// RoundState tracks game progress independently of whether the lobby accepts joins.
type RoundState int

const (
	RoundWaiting RoundState = iota
	RoundPlaying
	RoundFinished
)

func (rs RoundState) String() string {
	switch rs {
	case RoundPlaying:
		return "playing"
	case RoundFinished:
		return "finished"
	default:
		return "waiting"
	}
}

// MemberView is the read-only projection of a member sent to clients.
type MemberView struct {
	Username string        `json:"username"`
	Role     identity.Role `json:"role"`
	Verified bool          `json:"verified"`
	Muted    bool          `json:"muted"`
}

// Event is the closed set of things a session can emit. The unexported marker
// keeps other packages from adding kinds, so a type switch over the types
// below covers every case.
type Event interface {
	EventName() string
	isEvent()
}

// Broadcast events.

type PlayerJoined struct {
	Member  MemberView   `json:"member"`
	Members []MemberView `json:"members"`
}

type PlayerLeft struct {
	Username string       `json:"username"`
	Members  []MemberView `json:"members"`
}

type PlayerKicked struct {
	Target  string       `json:"target"`
	Reason  string       `json:"reason"`
	Members []MemberView `json:"members"`
}

type AdminChanged struct {
	Username string `json:"username"`
	Previous string `json:"previous"`
}

type SettingsChanged struct {
	Settings  Settings `json:"settings"`
	ChangedBy string   `json:"changed_by"`
}

type DetectionSettingsChanged struct {
	Settings  DetectionSettings `json:"settings"`
	ChangedBy string            `json:"changed_by"`
}

type GameStarted struct {
	StartedBy string   `json:"started_by"`
	Settings  Settings `json:"settings"`
}

type GameVideo struct {
	URL   string `json:"url"`
	Round int    `json:"round"`
}

type GameOver struct {
	Rounds int `json:"rounds"`
}

type LobbyClosed struct {
	ClosedBy string `json:"closed_by"`
}

type LobbyDisbanded struct {
	DisbandedBy string `json:"disbanded_by"`
}

type ChatMessage struct {
	Sender     string        `json:"sender"`
	SenderRole identity.Role `json:"sender_role"`
	Text       string        `json:"text"`
	Timestamp  time.Time     `json:"timestamp"`
}

type PlayerVerified struct {
	Username string   `json:"username"`
	Method   string   `json:"method"`
	Verified []string `json:"verified"`
}

// TelemetryUpdate carries an externally computed payload verbatim.
type TelemetryUpdate struct {
	Username string          `json:"username"`
	Payload  json.RawMessage `json:"payload"`
}

// Direct events, delivered only to one connection.

type JoinAccepted struct {
	LobbyCode     string            `json:"lobby_code"`
	LobbyName     string            `json:"lobby_name"`
	You           MemberView        `json:"you"`
	Admin         string            `json:"admin"`
	Members       []MemberView      `json:"members"`
	Settings      Settings          `json:"settings"`
	FaceDetection DetectionSettings `json:"face_detection"`
	Round         int               `json:"round"`
	RoundState    string            `json:"round_state"`
	Closed        bool              `json:"closed"`
}

type Kicked struct {
	Reason string `json:"reason"`
}

type Muted struct {
	Target string `json:"target"`
}

type Unmuted struct {
	Target string `json:"target"`
}

// Notice levels used by private messages.
const (
	NoticeSuccess = "success"
	NoticeWarning = "warning"
	NoticeError   = "error"
)

// Notice is a one-line message for a single connection.
type Notice struct {
	Level   string `json:"message_type"`
	Message string `json:"message"`
}

func (PlayerJoined) EventName() string    { return "player_joined" }
func (PlayerLeft) EventName() string      { return "player_left" }
func (PlayerKicked) EventName() string    { return "player_kicked" }
func (AdminChanged) EventName() string    { return "admin_changed" }
func (SettingsChanged) EventName() string { return "settings_changed" }
func (GameStarted) EventName() string     { return "game_started" }
func (GameVideo) EventName() string       { return "game_video" }
func (GameOver) EventName() string        { return "game_over" }
func (LobbyClosed) EventName() string     { return "lobby_closed" }
func (LobbyDisbanded) EventName() string  { return "lobby_disbanded" }
func (ChatMessage) EventName() string     { return "chat_message" }
func (PlayerVerified) EventName() string  { return "player_verified" }
func (TelemetryUpdate) EventName() string { return "telemetry_update" }
func (JoinAccepted) EventName() string    { return "join_accepted" }
func (Kicked) EventName() string          { return "kicked" }
func (Muted) EventName() string           { return "muted" }
func (Unmuted) EventName() string         { return "unmuted" }
func (Notice) EventName() string          { return "private_message" }

func (PlayerJoined) isEvent()    {}
func (PlayerLeft) isEvent()      {}
func (PlayerKicked) isEvent()    {}
func (AdminChanged) isEvent()    {}
func (SettingsChanged) isEvent() {}
func (GameStarted) isEvent()     {}
func (GameVideo) isEvent()       {}
func (GameOver) isEvent()        {}
func (LobbyClosed) isEvent()     {}
func (LobbyDisbanded) isEvent()  {}
func (ChatMessage) isEvent()     {}
func (PlayerVerified) isEvent()  {}
func (TelemetryUpdate) isEvent() {}
func (JoinAccepted) isEvent()    {}
func (Kicked) isEvent()          {}
func (Muted) isEvent()           {}
func (Unmuted) isEvent()         {}
func (Notice) isEvent()          {}

func (DetectionSettingsChanged) EventName() string { return "face_detection_settings_update" }
func (DetectionSettingsChanged) isEvent()          {}
