// internal/handlers/lobby_server.go
package handlers

import (
	"time"

	"github.com/jason-s-yu/krackle/internal/lobby"
	"github.com/sirupsen/logrus"
)

// Options tunes the websocket side of the server.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	OutboundBuffer   int
	AllowedOrigins   []string
}

// DefaultOptions matches the config defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		OutboundBuffer:   32,
		AllowedOrigins:   []string{"*"},
	}
}

// LobbyServer holds what the HTTP and websocket handlers share: the lobby
// store (and through it the token registry) plus the external collaborators.
type LobbyServer struct {
	Store  *lobby.LobbyStore
	Videos VideoSource
	Images ImageSink
	Logger *logrus.Logger
	Opts   Options
}

// NewLobbyServer wires a server with an empty playlist and a discarding image
// sink; callers replace Videos and Images as needed.
func NewLobbyServer(store *lobby.LobbyStore, logger *logrus.Logger, opts Options) *LobbyServer {
	return &LobbyServer{
		Store:  store,
		Videos: NewPlaylist(nil),
		Images: DiscardImages{},
		Logger: logger,
		Opts:   opts,
	}
}
