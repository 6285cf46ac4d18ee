// internal/handlers/collaborators.go
package handlers

import (
	"context"
	"errors"
)

// ErrNoMoreVideos is returned by a VideoSource that has nothing for a round.
var ErrNoMoreVideos = errors.New("no more videos available")

// VideoSource picks the video shown in each round.
type VideoSource interface {
	VideoForRound(ctx context.Context, lobbyCode string, round int) (string, error)
}

// Playlist serves a fixed list of URLs, round 1 getting the first.
type Playlist struct {
	urls []string
}

// NewPlaylist copies urls into a playlist.
func NewPlaylist(urls []string) *Playlist {
	return &Playlist{urls: append([]string(nil), urls...)}
}

func (p *Playlist) VideoForRound(_ context.Context, _ string, round int) (string, error) {
	if round < 1 || round > len(p.urls) {
		return "", ErrNoMoreVideos
	}
	return p.urls[round-1], nil
}

// ImageSink receives images uploaded over the lobby socket. The image data is
// opaque to the server.
type ImageSink interface {
	StoreImage(ctx context.Context, lobbyCode, username, imageData string) error
}

// DiscardImages accepts and drops every upload.
type DiscardImages struct{}

func (DiscardImages) StoreImage(context.Context, string, string, string) error { return nil }
