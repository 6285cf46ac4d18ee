// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Close codes sent when a lobby websocket is refused or ended by the server.
const (
	// lobby_code, user_token, username or role missing.
	CloseMissingParams websocket.StatusCode = 4001
	// token unknown, expired, or not matching the claimed identity.
	CloseUnauthorized websocket.StatusCode = 4003
	CloseLobbyNotFound websocket.StatusCode = 4004
	// token already bound, or username already connected.
	CloseConflict    websocket.StatusCode = 4009
	CloseLobbyFull   websocket.StatusCode = 4010
	CloseLobbyClosed websocket.StatusCode = 4011

	// outbound queue full.
	CloseQueueOverflow = websocket.StatusPolicyViolation
)
