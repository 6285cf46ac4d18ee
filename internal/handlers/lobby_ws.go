// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/krackle/internal/identity"
	"github.com/jason-s-yu/krackle/internal/lobby"
	"github.com/jason-s-yu/krackle/internal/middleware"
	"github.com/sirupsen/logrus"
)

// readLimit leaves room for base64 images sent with upload_image.
const readLimit = 8 << 20

// handshake holds the four identifying parameters of a lobby socket.
type handshake struct {
	LobbyCode string `json:"lobby_code"`
	UserToken string `json:"user_token"`
	Username  string `json:"username"`
	Role      string `json:"role"`
}

func (h handshake) complete() bool {
	return h.LobbyCode != "" && h.UserToken != "" && h.Username != "" && h.Role != ""
}

func (h handshake) empty() bool {
	return h.LobbyCode == "" && h.UserToken == "" && h.Username == "" && h.Role == ""
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// handshakeError carries the close code for a refused socket.
type handshakeError struct {
	code   websocket.StatusCode
	reason string
}

func (e *handshakeError) Error() string { return e.reason }

func refuse(code websocket.StatusCode, reason string) *handshakeError {
	return &handshakeError{code: code, reason: reason}
}

// LobbyWSHandler serves GET /ws/connect/. The identifying parameters come from
// the query string; a client that sends none of them may instead send them as
// the first text frame within the handshake timeout.
func LobbyWSHandler(srv *LobbyServer) http.HandlerFunc {
	logger := srv.Logger
	opts := srv.Opts

	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		path := r.URL.Path

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.AllowedOrigins,
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.CloseNow()
		c.SetReadLimit(readLimit)
		middleware.LogWebSocketConnect(logger, remoteAddr, path)

		q := r.URL.Query()
		hs := handshake{
			LobbyCode: q.Get("lobby_code"),
			UserToken: q.Get("user_token"),
			Username:  q.Get("username"),
			Role:      q.Get("role"),
		}

		lob, conn, token, herr := srv.admit(r.Context(), c, hs)
		if herr != nil {
			logger.WithFields(logrus.Fields{
				"remote": remoteAddr,
				"lobby":  hs.LobbyCode,
				"user":   hs.Username,
				"code":   int(herr.code),
			}).Info("lobby handshake refused: " + herr.reason)
			_ = c.Close(herr.code, herr.reason)
			middleware.LogWebSocketDisconnect(logger, remoteAddr, path, herr)
			return
		}

		ctx, stop := context.WithCancel(r.Context())
		defer stop()

		session := &clientSession{srv: srv, lob: lob, conn: conn, logger: conn.logger}
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			writePump(ctx, c, conn, opts)
		}()

		readErr := readPump(ctx, c, session)

		// The member may already be gone after a kick, leave or disband.
		if err := lob.Leave(conn.Username, conn); err != nil && !errors.Is(err, lobby.ErrNotMember) {
			conn.logger.WithError(err).Warn("leave on disconnect failed")
		}
		srv.Store.Tokens().Release(token, conn.ID)
		conn.Close("connection closed")

		select {
		case <-writerDone:
		case <-time.After(opts.WriteTimeout + time.Second):
		}
		middleware.LogWebSocketDisconnect(logger, remoteAddr, path, readErr)
	}
}

// admit validates the handshake, binds the token and joins the lobby. On
// failure nothing stays bound and the returned error names the close code.
func (srv *LobbyServer) admit(ctx context.Context, c *websocket.Conn, hs handshake) (*lobby.Lobby, *LobbyConnection, string, *handshakeError) {
	if hs.empty() {
		f, ok := readHandshakeFrame(ctx, c, srv.Opts.HandshakeTimeout)
		if !ok || f.err != nil {
			return nil, nil, "", refuse(CloseMissingParams, "handshake timed out")
		}
		if f.typ != websocket.MessageText || json.Unmarshal(f.data, &hs) != nil {
			return nil, nil, "", refuse(CloseMissingParams, "invalid handshake frame")
		}
	}
	if !hs.complete() {
		return nil, nil, "", refuse(CloseMissingParams, "lobby_code, user_token, username and role are required")
	}
	code := normalizeCode(hs.LobbyCode)

	lob, err := srv.Store.GetLobby(code)
	if err != nil {
		return nil, nil, "", refuse(CloseLobbyNotFound, "lobby not found")
	}

	tokens := srv.Store.Tokens()
	claims, err := tokens.Validate(hs.UserToken)
	if err != nil {
		return nil, nil, "", refuse(CloseUnauthorized, "invalid token")
	}
	role, ok := identity.ParseRole(hs.Role)
	if !ok || claims.LobbyCode != code || claims.Role != role || claims.Username != hs.Username {
		return nil, nil, "", refuse(CloseUnauthorized, "token does not match lobby, username or role")
	}

	connID := uuid.NewString()
	if err := tokens.Bind(hs.UserToken, connID); err != nil {
		if errors.Is(err, identity.ErrTokenInUse) {
			return nil, nil, "", refuse(CloseConflict, "token already in use")
		}
		return nil, nil, "", refuse(CloseUnauthorized, "invalid token")
	}

	conn := newLobbyConnection(connID, code, claims.Username, srv.Opts.OutboundBuffer, srv.Logger)
	if err := lob.Join(claims.Username, conn); err != nil {
		tokens.Abort(hs.UserToken, connID)
		switch {
		case errors.Is(err, lobby.ErrLobbyFull):
			return nil, nil, "", refuse(CloseLobbyFull, "lobby is full")
		case errors.Is(err, lobby.ErrLobbyClosed):
			return nil, nil, "", refuse(CloseLobbyClosed, "lobby is closed")
		case errors.Is(err, lobby.ErrUsernameTaken):
			return nil, nil, "", refuse(CloseConflict, "username already connected")
		default:
			return nil, nil, "", refuse(CloseUnauthorized, err.Error())
		}
	}
	return lob, conn, hs.UserToken, nil
}

type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// readHandshakeFrame waits up to timeout for the first frame. The read itself
// runs without a deadline, since an expired read context makes the library
// close the socket with its own status before ours can be sent.
func readHandshakeFrame(ctx context.Context, c *websocket.Conn, timeout time.Duration) (frame, bool) {
	ch := make(chan frame, 1)
	go func() {
		typ, data, err := c.Read(ctx)
		ch <- frame{typ: typ, data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f, true
	case <-timer.C:
		return frame{}, false
	}
}

// readPump dispatches client frames until the socket fails or closes.
func readPump(ctx context.Context, c *websocket.Conn, s *clientSession) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.logger.Warnf("ignoring non-text message type %d", typ)
			continue
		}

		cmd, err := decodeCommand(data)
		if err != nil {
			s.logger.WithError(err).Warn("invalid json from client")
			s.conn.Notify(lobby.NoticeError, "Invalid JSON format")
			continue
		}
		s.handle(ctx, cmd)
	}
}
