// internal/handlers/lobby_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/krackle/internal/identity"
	"github.com/jason-s-yu/krackle/internal/lobby"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T) (*LobbyServer, *httptest.Server) {
	t.Helper()
	logger := quietLogger()
	store := lobby.NewLobbyStore(identity.NewRegistry(time.Minute), nil, logger)
	opts := DefaultOptions()
	opts.HandshakeTimeout = 300 * time.Millisecond
	srv := NewLobbyServer(store, logger, opts)
	srv.Videos = NewPlaylist([]string{"https://videos.example/1.mp4"})
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func createLobby(t *testing.T, ts *httptest.Server, username string, maxPlayers int) (string, string) {
	t.Helper()
	status, out := postJSON(t, ts, "/join/create_lobby/", map[string]any{
		"username":    username,
		"lobby_name":  "Friday Night",
		"max_players": maxPlayers,
		"rounds":      2,
	})
	require.Equal(t, http.StatusCreated, status, out)
	return out["lobby_code"].(string), out["admin_token"].(string)
}

func playerToken(t *testing.T, ts *httptest.Server, code, username string) string {
	t.Helper()
	status, out := postJSON(t, ts, "/join/", map[string]any{"username": username, "lobby_code": code})
	require.Equal(t, http.StatusOK, status, out)
	return out["player_token"].(string)
}

func wsURL(ts *httptest.Server, params url.Values) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/connect/"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func dialRaw(t *testing.T, ts *httptest.Server, params url.Values) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(ts, params), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func dial(t *testing.T, ts *httptest.Server, code, token, username string, role identity.Role) *websocket.Conn {
	t.Helper()
	return dialRaw(t, ts, url.Values{
		"lobby_code": {code},
		"user_token": {token},
		"username":   {username},
		"role":       {string(role)},
	})
}

func readMsg(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, c, &msg))
	return msg
}

// readEvent skips frames until a lobby.message with the given event arrives.
func readEvent(t *testing.T, c *websocket.Conn, event string) map[string]any {
	t.Helper()
	for {
		msg := readMsg(t, c)
		if msg["type"] == typeLobbyMessage && msg["event"] == event {
			return msg
		}
	}
}

// readJoinOf skips frames until the player_joined for username arrives.
func readJoinOf(t *testing.T, c *websocket.Conn, username string) map[string]any {
	t.Helper()
	for {
		msg := readEvent(t, c, "player_joined")
		if m, ok := msg["member"].(map[string]any); ok && m["username"] == username {
			return msg
		}
	}
}

// readType skips frames until one with the given top-level type arrives.
func readType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for {
		msg := readMsg(t, c)
		if msg["type"] == typ {
			return msg
		}
	}
}

func send(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"type": typ, "payload": payload}))
}

// closeStatus reads until the socket closes and returns the peer's code.
func closeStatus(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestCreateLobbyREST(t *testing.T) {
	_, ts := newTestServer(t)

	status, out := postJSON(t, ts, "/join/create_lobby/", map[string]any{
		"username":   "Alice",
		"lobby_name": "Friday Night",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Len(t, out["lobby_code"], 6)
	assert.NotEmpty(t, out["admin_token"])
	assert.Equal(t, "Alice", out["username"])

	status, out = postJSON(t, ts, "/join/create_lobby/", map[string]any{
		"username":    "Alice",
		"lobby_name":  "Too Small",
		"max_players": 1,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out["error"], "max_players")

	status, _ = postJSON(t, ts, "/join/create_lobby/", map[string]any{"lobby_name": "Nobody"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestJoinLobbyREST(t *testing.T) {
	_, ts := newTestServer(t)
	code, _ := createLobby(t, ts, "Alice", 8)

	status, out := postJSON(t, ts, "/join/", map[string]any{"username": "Bob", "lobby_code": strings.ToLower(code)})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, code, out["lobby_code"])
	assert.Equal(t, "Friday Night", out["lobby_name"])
	assert.Equal(t, []any{"Alice"}, out["players"])
	assert.NotEmpty(t, out["player_token"])

	status, _ = postJSON(t, ts, "/join/", map[string]any{"username": "Bob", "lobby_code": "ZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = postJSON(t, ts, "/join/", map[string]any{"username": "Alice", "lobby_code": code})
	assert.Equal(t, http.StatusConflict, status)
}

func TestListDetailAndQR(t *testing.T) {
	_, ts := newTestServer(t)
	code, _ := createLobby(t, ts, "Alice", 4)

	resp, err := http.Get(ts.URL + "/lobbies")
	require.NoError(t, err)
	var list []lobby.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, code, list[0].Code)
	assert.Equal(t, 4, list[0].MaxPlayers)
	assert.Equal(t, "open", list[0].Status)

	resp, err = http.Get(ts.URL + "/lobbies/" + code)
	require.NoError(t, err)
	var detail lobby.Detail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, "Alice", detail.HostUsername)
	assert.Equal(t, 2, detail.Rounds)

	resp, err = http.Get(ts.URL + "/lobbies/NOPE00")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/lobbies/" + code + "/qr")
	require.NoError(t, err)
	png, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSHandshakeRefusals(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)

	t.Run("partial params", func(t *testing.T) {
		c := dialRaw(t, ts, url.Values{"lobby_code": {code}})
		assert.Equal(t, CloseMissingParams, closeStatus(t, c))
	})
	t.Run("silent client", func(t *testing.T) {
		c := dialRaw(t, ts, nil)
		assert.Equal(t, CloseMissingParams, closeStatus(t, c))
	})
	t.Run("unknown lobby", func(t *testing.T) {
		c := dial(t, ts, "NOPE00", adminToken, "Alice", identity.RoleAdmin)
		assert.Equal(t, CloseLobbyNotFound, closeStatus(t, c))
	})
	t.Run("bad token", func(t *testing.T) {
		c := dial(t, ts, code, "not-a-token", "Alice", identity.RoleAdmin)
		assert.Equal(t, CloseUnauthorized, closeStatus(t, c))
	})
	t.Run("role mismatch", func(t *testing.T) {
		c := dial(t, ts, code, adminToken, "Alice", identity.RolePlayer)
		assert.Equal(t, CloseUnauthorized, closeStatus(t, c))
	})
	t.Run("username mismatch", func(t *testing.T) {
		c := dial(t, ts, code, adminToken, "Mallory", identity.RoleAdmin)
		assert.Equal(t, CloseUnauthorized, closeStatus(t, c))
	})
}

func TestWSHandshakeFirstFrame(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)

	c := dialRaw(t, ts, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, handshake{
		LobbyCode: code,
		UserToken: adminToken,
		Username:  "Alice",
		Role:      string(identity.RoleAdmin),
	}))

	accepted := readEvent(t, c, "join_accepted")
	assert.Equal(t, code, accepted["lobby_code"])
	assert.Equal(t, "Alice", accepted["admin"])
}

func TestWSTokenInUse(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)

	first := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, first, "join_accepted")

	second := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	assert.Equal(t, CloseConflict, closeStatus(t, second))

	// The first connection is unaffected.
	send(t, first, "chat_message", map[string]any{"text": "still here"})
	msg := readEvent(t, first, "chat_message")
	assert.Equal(t, "still here", msg["text"])
}

func TestWSLobbyFull(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 2)
	bobToken := playerToken(t, ts, code, "Bob")
	carolToken := playerToken(t, ts, code, "Carol")

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, alice, "join_accepted")
	bob := dial(t, ts, code, bobToken, "Bob", identity.RolePlayer)
	readEvent(t, bob, "join_accepted")

	carol := dial(t, ts, code, carolToken, "Carol", identity.RolePlayer)
	assert.Equal(t, CloseLobbyFull, closeStatus(t, carol))
}

func TestWSLobbyClosedRefusesNewPlayers(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)
	bobToken := playerToken(t, ts, code, "Bob")

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, alice, "join_accepted")
	send(t, alice, "close_lobby", nil)
	closed := readEvent(t, alice, "lobby_closed")
	assert.Equal(t, "Alice", closed["closed_by"])

	bob := dial(t, ts, code, bobToken, "Bob", identity.RolePlayer)
	assert.Equal(t, CloseLobbyClosed, closeStatus(t, bob))
}

func TestWSMalformedTargetPayload(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, alice, "join_accepted")

	for _, typ := range []string{"kick_player", "mute_player", "unmute_player"} {
		send(t, alice, typ, "Bob")
		notice := readType(t, alice, "private_message")
		assert.Equal(t, lobby.NoticeError, notice["message_type"], typ)
		assert.Equal(t, lobby.ErrInvalidPayload.Message, notice["message"], typ)
	}
}

func TestWSChatKickFlow(t *testing.T) {
	srv, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)
	bobToken := playerToken(t, ts, code, "Bob")

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, alice, "join_accepted")
	bob := dial(t, ts, code, bobToken, "Bob", identity.RolePlayer)
	accepted := readEvent(t, bob, "join_accepted")
	assert.Len(t, accepted["members"], 2)

	// Alice also receives her own player_joined; skip to Bob's.
	joined := readJoinOf(t, alice, "Bob")
	assert.Equal(t, "player", joined["member"].(map[string]any)["role"])

	send(t, bob, "chat_message", map[string]any{"text": "hello"})
	for _, c := range []*websocket.Conn{alice, bob} {
		msg := readEvent(t, c, "chat_message")
		assert.Equal(t, "Bob", msg["sender"])
		assert.Equal(t, "hello", msg["text"])
	}

	// Players cannot moderate; the refusal is private.
	send(t, bob, "start_game", nil)
	notice := readType(t, bob, "private_message")
	assert.Equal(t, lobby.NoticeError, notice["message_type"])
	assert.Equal(t, lobby.ErrUnauthorized.Message, notice["message"])

	send(t, alice, "kick_player", map[string]any{"username": "Bob", "reason": "spam"})
	kicked := readType(t, bob, "kicked")
	assert.Equal(t, "spam", kicked["reason"])
	assert.Equal(t, websocket.StatusNormalClosure, closeStatus(t, bob))

	gone := readEvent(t, alice, "player_kicked")
	assert.Equal(t, "Bob", gone["target"])

	require.Eventually(t, func() bool {
		_, err := srv.Store.Tokens().Validate(bobToken)
		return err != nil
	}, time.Second, 10*time.Millisecond, "a kicked player's token is revoked")
	again := dial(t, ts, code, bobToken, "Bob", identity.RolePlayer)
	assert.Equal(t, CloseUnauthorized, closeStatus(t, again))
}

func TestWSAdminLeaveTransfersRole(t *testing.T) {
	srv, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)
	bobToken := playerToken(t, ts, code, "Bob")

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, alice, "join_accepted")
	bob := dial(t, ts, code, bobToken, "Bob", identity.RolePlayer)
	readEvent(t, bob, "join_accepted")

	send(t, alice, "leave_lobby", nil)
	assert.Equal(t, websocket.StatusNormalClosure, closeStatus(t, alice))

	left := readEvent(t, bob, "player_left")
	assert.Equal(t, "Alice", left["username"])
	changed := readEvent(t, bob, "admin_changed")
	assert.Equal(t, "Bob", changed["username"])

	require.Eventually(t, func() bool {
		claims, err := srv.Store.Tokens().Validate(bobToken)
		return err == nil && claims.Role == identity.RoleAdmin
	}, time.Second, 10*time.Millisecond, "the promoted player's token carries the admin role")

	send(t, bob, "close_lobby", nil)
	closed := readEvent(t, bob, "lobby_closed")
	assert.Equal(t, "Bob", closed["closed_by"])
}

func TestWSGameRounds(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)
	bobToken := playerToken(t, ts, code, "Bob")

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, alice, "join_accepted")
	bob := dial(t, ts, code, bobToken, "Bob", identity.RolePlayer)
	readEvent(t, bob, "join_accepted")

	send(t, alice, "start_game", nil)
	readEvent(t, bob, "game_started")

	send(t, alice, "new_game_video", nil)
	video := readEvent(t, bob, "game_video")
	assert.Equal(t, "https://videos.example/1.mp4", video["url"])
	assert.EqualValues(t, 1, video["round"])

	// Round two has no video in the playlist.
	send(t, alice, "new_game_video", nil)
	notice := readType(t, alice, "private_message")
	assert.Equal(t, "No more videos available.", notice["message"])
}

func TestWSFaceDetectionSettings(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)
	bobToken := playerToken(t, ts, code, "Bob")

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	accepted := readEvent(t, alice, "join_accepted")
	assert.Equal(t, map[string]any{
		"enabled":             false,
		"required_mode":       "face",
		"detection_frequency": float64(5),
		"broadcast_to_all":    false,
	}, accepted["face_detection"])
	bob := dial(t, ts, code, bobToken, "Bob", identity.RolePlayer)
	readEvent(t, bob, "join_accepted")

	send(t, bob, "face_detection_admin_settings", map[string]any{"enabled": true})
	notice := readType(t, bob, "private_message")
	assert.Equal(t, lobby.ErrUnauthorized.Message, notice["message"])

	send(t, alice, "face_detection_admin_settings", map[string]any{"enabled": true, "detection_frequency": -3})
	for _, c := range []*websocket.Conn{alice, bob} {
		update := readEvent(t, c, "face_detection_settings_update")
		settings := update["settings"].(map[string]any)
		assert.Equal(t, true, settings["enabled"])
		assert.EqualValues(t, 1, settings["detection_frequency"])
		assert.Equal(t, "Alice", update["changed_by"])
	}
	notice = readType(t, alice, "private_message")
	assert.Equal(t, lobby.NoticeSuccess, notice["message_type"])
	assert.Equal(t, "Face detection settings updated!", notice["message"])
}

func TestWSInvalidJSON(t *testing.T) {
	_, ts := newTestServer(t)
	code, adminToken := createLobby(t, ts, "Alice", 8)

	alice := dial(t, ts, code, adminToken, "Alice", identity.RoleAdmin)
	readEvent(t, alice, "join_accepted")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte("{nope")))
	notice := readType(t, alice, "private_message")
	assert.Equal(t, "Invalid JSON format", notice["message"])

	send(t, alice, "teleport", nil)
	notice = readType(t, alice, "private_message")
	assert.Equal(t, "Unknown message type: teleport", notice["message"])
}

func TestDecodeCommandForms(t *testing.T) {
	cmd, err := decodeCommand([]byte(`{"type":"kick_player","payload":{"username":"Bob"}}`))
	require.NoError(t, err)
	assert.Equal(t, CmdKickPlayer, cmd.Type)
	assert.JSONEq(t, `{"username":"Bob"}`, string(cmd.Payload))

	cmd, err = decodeCommand([]byte(`{"type":"chat_message","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, CmdChatMessage, cmd.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(cmd.Payload))

	_, err = decodeCommand([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestEncodeEvent(t *testing.T) {
	data, err := encodeEvent(lobby.GameVideo{URL: "u", Round: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lobby.message","event":"game_video","url":"u","round":2}`, string(data))

	data, err = encodeEvent(lobby.Notice{Level: lobby.NoticeSuccess, Message: "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"private_message","message_type":"success","message":"ok"}`, string(data))

	data, err = encodeEvent(lobby.Muted{Target: "Bob"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"muted","message":"You have been muted by the admin."}`, string(data))
}

func TestConnectionOverflowCloses(t *testing.T) {
	conn := newLobbyConnection("c1", "ABC123", "Bob", 1, quietLogger())

	conn.Send(lobby.GameOver{Rounds: 3})
	conn.Send(lobby.GameOver{Rounds: 3})

	code, reason := conn.closeStatus()
	assert.Equal(t, CloseQueueOverflow, code)
	assert.Equal(t, "outbound queue overflow", reason)

	_, ok := <-conn.OutChan
	assert.True(t, ok, "the event queued before the overflow is still delivered")
	_, ok = <-conn.OutChan
	assert.False(t, ok)

	// Sends after close are dropped without panicking.
	conn.Send(lobby.GameOver{Rounds: 3})
}

func TestPlaylist(t *testing.T) {
	p := NewPlaylist([]string{"a", "b"})
	ctx := context.Background()

	v, err := p.VideoForRound(ctx, "ABC123", 2)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = p.VideoForRound(ctx, "ABC123", 3)
	assert.ErrorIs(t, err, ErrNoMoreVideos)
	_, err = p.VideoForRound(ctx, "ABC123", 0)
	assert.ErrorIs(t, err, ErrNoMoreVideos)
}
