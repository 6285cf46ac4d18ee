// internal/handlers/envelope.go
package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/jason-s-yu/krackle/internal/lobby"
)

const typeLobbyMessage = "lobby.message"

// controlNotice is the wire form of kicked/muted/unmuted.
type controlNotice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// encodeEvent renders a lobby event in its outbound envelope.
func encodeEvent(ev lobby.Event) ([]byte, error) {
	switch e := ev.(type) {
	case lobby.Notice:
		return json.Marshal(map[string]string{
			"type":         "private_message",
			"message_type": e.Level,
			"message":      e.Message,
		})
	case lobby.Kicked:
		return json.Marshal(controlNotice{
			Type:    "kicked",
			Message: "You have been kicked from the lobby. Reason: " + e.Reason,
			Reason:  e.Reason,
		})
	case lobby.Muted:
		return json.Marshal(controlNotice{Type: "muted", Message: "You have been muted by the admin."})
	case lobby.Unmuted:
		return json.Marshal(controlNotice{Type: "unmuted", Message: "You have been unmuted by the admin."})
	case lobby.JoinAccepted, lobby.PlayerJoined, lobby.PlayerLeft, lobby.PlayerKicked,
		lobby.AdminChanged, lobby.SettingsChanged, lobby.GameStarted, lobby.GameVideo,
		lobby.GameOver, lobby.LobbyClosed, lobby.LobbyDisbanded, lobby.ChatMessage,
		lobby.PlayerVerified, lobby.TelemetryUpdate, lobby.DetectionSettingsChanged:
		return flatten(ev)
	default:
		return nil, fmt.Errorf("no envelope for event %T", ev)
	}
}

// flatten merges the event's own fields with the type and event keys.
func flatten(ev lobby.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(typeLobbyMessage)
	fields["event"], _ = json.Marshal(ev.EventName())
	return json.Marshal(fields)
}
