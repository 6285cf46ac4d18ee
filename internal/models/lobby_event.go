// internal/models/lobby_event.go
package models

import "encoding/json"

// LobbyEventRecord is one journaled lobby broadcast, as pushed to Redis by the
// server and persisted by the historian.
type LobbyEventRecord struct {
	LobbyCode string          `json:"lobby_code"`
	Seq       uint64          `json:"seq"`
	Event     string          `json:"event"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // epoch millis
}
