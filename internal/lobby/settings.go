// internal/lobby/settings.go
package lobby

import "fmt"

const (
	MinPlayers = 2
	MaxPlayers = 50
	MinRounds  = 1
	MaxRounds  = 10
)

// Settings holds the admin-controlled knobs of a lobby.
type Settings struct {
	MaxPlayers          int  `json:"max_players"`
	Rounds              int  `json:"rounds"`
	TextDisabled        bool `json:"text_disabled"`
	RequireVerification bool `json:"require_verification"`
}

// DefaultSettings mirrors what the create form pre-fills.
func DefaultSettings() Settings {
	return Settings{
		MaxPlayers: 8,
		Rounds:     3,
	}
}

// Validate checks the numeric ranges.
func (s Settings) Validate() error {
	if s.MaxPlayers < MinPlayers || s.MaxPlayers > MaxPlayers {
		return reject(KindInvalidSettings, fmt.Sprintf("max_players must be between %d and %d.", MinPlayers, MaxPlayers))
	}
	if s.Rounds < MinRounds || s.Rounds > MaxRounds {
		return reject(KindInvalidSettings, fmt.Sprintf("rounds must be between %d and %d.", MinRounds, MaxRounds))
	}
	return nil
}

// SettingsPatch is a partial update; nil fields are left untouched.
type SettingsPatch struct {
	MaxPlayers          *int  `json:"max_players,omitempty"`
	Rounds              *int  `json:"rounds,omitempty"`
	TextDisabled        *bool `json:"text_disabled,omitempty"`
	RequireVerification *bool `json:"require_verification,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.MaxPlayers == nil && p.Rounds == nil && p.TextDisabled == nil && p.RequireVerification == nil
}

// Apply returns s with the patch applied, or an InvalidSettings rejection.
// s itself is never modified, so a rejected patch leaves no partial change behind.
func (p SettingsPatch) Apply(s Settings) (Settings, error) {
	next := s
	if p.MaxPlayers != nil {
		next.MaxPlayers = *p.MaxPlayers
	}
	if p.Rounds != nil {
		next.Rounds = *p.Rounds
	}
	if p.TextDisabled != nil {
		next.TextDisabled = *p.TextDisabled
	}
	if p.RequireVerification != nil {
		next.RequireVerification = *p.RequireVerification
	}
	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}

// DetectionSettings configures the client-side face detector for a lobby.
// The server stores and relays them; it never runs detection itself.
type DetectionSettings struct {
	Enabled            bool   `json:"enabled"`
	RequiredMode       string `json:"required_mode"`
	DetectionFrequency int    `json:"detection_frequency"`
	BroadcastToAll     bool   `json:"broadcast_to_all"`
}

func DefaultDetectionSettings() DetectionSettings {
	return DetectionSettings{RequiredMode: "face", DetectionFrequency: 5}
}

// DetectionSettingsPatch is a partial update of DetectionSettings.
type DetectionSettingsPatch struct {
	Enabled            *bool   `json:"enabled,omitempty"`
	RequiredMode       *string `json:"required_mode,omitempty"`
	DetectionFrequency *int    `json:"detection_frequency,omitempty"`
	BroadcastToAll     *bool   `json:"broadcast_to_all,omitempty"`
}

// Apply returns d with the patch applied. A detection frequency below one
// is raised to one.
func (p DetectionSettingsPatch) Apply(d DetectionSettings) DetectionSettings {
	if p.Enabled != nil {
		d.Enabled = *p.Enabled
	}
	if p.RequiredMode != nil {
		d.RequiredMode = *p.RequiredMode
	}
	if p.DetectionFrequency != nil {
		d.DetectionFrequency = max(1, *p.DetectionFrequency)
	}
	if p.BroadcastToAll != nil {
		d.BroadcastToAll = *p.BroadcastToAll
	}
	return d
}
