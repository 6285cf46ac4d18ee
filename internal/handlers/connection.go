// internal/handlers/connection.go
package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/krackle/internal/lobby"
	"github.com/sirupsen/logrus"
)

// LobbyConnection is a single user's live socket in a lobby. Events are
// encoded on Send and queued on OutChan; writePump is the only writer to the
// socket.
type LobbyConnection struct {
	ID        string
	LobbyCode string
	Username  string
	OutChan   chan []byte

	logger *logrus.Entry

	mu          sync.Mutex
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func newLobbyConnection(id, lobbyCode, username string, buffer int, logger *logrus.Logger) *LobbyConnection {
	return &LobbyConnection{
		ID:        id,
		LobbyCode: lobbyCode,
		Username:  username,
		OutChan:   make(chan []byte, buffer),
		logger: logger.WithFields(logrus.Fields{
			"lobby": lobbyCode,
			"user":  username,
			"conn":  id,
		}),
	}
}

// Send queues ev without blocking. A full queue closes the connection, so a
// connection that stays open has seen every event in order.
func (conn *LobbyConnection) Send(ev lobby.Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		conn.logger.WithError(err).Error("failed to encode event")
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	select {
	case conn.OutChan <- data:
	default:
		conn.logger.WithField("event", ev.EventName()).Warn("outbound queue full, dropping connection")
		conn.closeLocked(CloseQueueOverflow, "outbound queue overflow")
	}
}

// Notify sends a private notice to this connection only.
func (conn *LobbyConnection) Notify(level, message string) {
	conn.Send(lobby.Notice{Level: level, Message: message})
}

// Close ends the connection once everything already queued has been written.
func (conn *LobbyConnection) Close(reason string) {
	conn.CloseWith(websocket.StatusNormalClosure, reason)
}

// CloseWith is Close with an explicit status code.
func (conn *LobbyConnection) CloseWith(code websocket.StatusCode, reason string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.closeLocked(code, reason)
}

func (conn *LobbyConnection) closeLocked(code websocket.StatusCode, reason string) {
	if conn.closed {
		return
	}
	conn.closed = true
	conn.closeCode = code
	conn.closeReason = reason
	close(conn.OutChan)
}

func (conn *LobbyConnection) closeStatus() (websocket.StatusCode, string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.closeCode, conn.closeReason
}

// writePump drains OutChan to the socket and pings on every tick. It closes
// the socket with the recorded status once OutChan is closed, or on a failed
// write.
func writePump(ctx context.Context, c *websocket.Conn, conn *LobbyConnection, opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.OutChan:
			if !ok {
				code, reason := conn.closeStatus()
				_ = c.Close(code, reason)
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := c.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				conn.logger.WithError(err).Debug("write failed")
				conn.CloseWith(websocket.StatusInternalError, "write failed")
				_ = c.CloseNow()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.logger.WithError(err).Debug("ping failed")
				conn.CloseWith(websocket.StatusGoingAway, "ping timeout")
				_ = c.CloseNow()
				return
			}
		}
	}
}
