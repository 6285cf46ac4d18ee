// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/krackle/internal/lobby"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

type createLobbyRequest struct {
	Username     string `json:"username"`
	LobbyName    string `json:"lobby_name"`
	MaxPlayers   *int   `json:"max_players"`
	Rounds       *int   `json:"rounds"`
	TextDisabled *bool  `json:"text_disabled"`
}

type createLobbyResponse struct {
	Message    string `json:"message"`
	LobbyCode  string `json:"lobby_code"`
	AdminToken string `json:"admin_token"`
	Username   string `json:"username"`
}

type joinLobbyRequest struct {
	Username  string `json:"username"`
	LobbyCode string `json:"lobby_code"`
}

type joinLobbyResponse struct {
	Message     string   `json:"message"`
	Username    string   `json:"username"`
	LobbyCode   string   `json:"lobby_code"`
	LobbyName   string   `json:"lobby_name"`
	Players     []string `json:"players"`
	PlayerToken string   `json:"player_token"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// rejectionStatus maps a lobby rejection onto the REST status codes.
func rejectionStatus(err error) (int, string) {
	var rej *lobby.Rejection
	if !errors.As(err, &rej) {
		return http.StatusInternalServerError, "internal error"
	}
	switch rej.Kind {
	case lobby.KindLobbyNotFound:
		return http.StatusNotFound, rej.Message
	case lobby.KindUsernameTaken:
		return http.StatusConflict, rej.Message
	case lobby.KindLobbyClosed:
		return http.StatusForbidden, rej.Message
	default:
		return http.StatusBadRequest, rej.Message
	}
}

// CreateLobbyHandler serves POST /join/create_lobby/. The lobby lives in
// memory only; the caller becomes its admin and receives an admin token.
func CreateLobbyHandler(srv *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req createLobbyRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad lobby request payload")
			return
		}

		settings := lobby.DefaultSettings()
		if req.MaxPlayers != nil {
			settings.MaxPlayers = *req.MaxPlayers
		}
		if req.Rounds != nil {
			settings.Rounds = *req.Rounds
		}
		if req.TextDisabled != nil {
			settings.TextDisabled = *req.TextDisabled
		}

		l, token, err := srv.Store.CreateLobby(req.LobbyName, req.Username, settings)
		if err != nil {
			status, msg := rejectionStatus(err)
			if status == http.StatusInternalServerError {
				srv.Logger.WithError(err).Error("create lobby failed")
			}
			writeError(w, status, msg)
			return
		}

		writeJSON(w, http.StatusCreated, createLobbyResponse{
			Message:    "Lobby created successfully.",
			LobbyCode:  l.Code,
			AdminToken: token,
			Username:   req.Username,
		})
	}
}

// JoinLobbyHandler serves POST /join/. Admission here is advisory; the
// websocket join decides.
func JoinLobbyHandler(srv *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req joinLobbyRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad join request payload")
			return
		}
		if req.LobbyCode == "" {
			writeError(w, http.StatusBadRequest, "Lobby code is required.")
			return
		}

		l, token, err := srv.Store.IssuePlayerToken(normalizeCode(req.LobbyCode), req.Username)
		if err != nil {
			status, msg := rejectionStatus(err)
			if status == http.StatusInternalServerError {
				srv.Logger.WithError(err).Error("issue player token failed")
			}
			writeError(w, status, msg)
			return
		}

		members := l.Members()
		players := make([]string, 0, len(members))
		for _, m := range members {
			players = append(players, m.Username)
		}
		srv.Logger.WithFields(logrus.Fields{"lobby": l.Code, "user": req.Username}).Debug("player token issued")

		writeJSON(w, http.StatusOK, joinLobbyResponse{
			Message:     "Joined lobby successfully.",
			Username:    req.Username,
			LobbyCode:   l.Code,
			LobbyName:   l.Name,
			Players:     players,
			PlayerToken: token,
		})
	}
}

// ListLobbiesHandler serves GET /lobbies.
func ListLobbiesHandler(srv *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		lobbies := srv.Store.GetLobbies()
		out := make([]lobby.Summary, 0, len(lobbies))
		for _, l := range lobbies {
			out = append(out, l.Summary())
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// LobbyDetailHandler serves GET /lobbies/:code.
func LobbyDetailHandler(srv *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		l, err := srv.Store.GetLobby(normalizeCode(ps.ByName("code")))
		if err != nil {
			writeError(w, http.StatusNotFound, lobby.ErrLobbyNotFound.Message)
			return
		}
		writeJSON(w, http.StatusOK, l.Detail())
	}
}

// LobbyQRHandler serves GET /lobbies/:code/qr, a PNG of the share link.
func LobbyQRHandler(srv *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		l, err := srv.Store.GetLobby(normalizeCode(ps.ByName("code")))
		if err != nil {
			writeError(w, http.StatusNotFound, lobby.ErrLobbyNotFound.Message)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		url := scheme + "://" + r.Host + "/?lobby_code=" + l.Code

		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			srv.Logger.WithError(err).Error("qr generation failed")
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// HealthHandler serves GET /healthz.
func HealthHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}
