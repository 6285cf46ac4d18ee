// internal/handlers/router.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/krackle/internal/middleware"
	"github.com/julienschmidt/httprouter"
)

// NewRouter registers every REST and websocket route and wraps them in
// request logging.
func NewRouter(srv *LobbyServer) http.Handler {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		srv.Logger.WithField("path", r.URL.Path).Errorf("panic serving request: %v", i)
		writeError(w, http.StatusInternalServerError, "internal error")
	}

	mux.GET("/healthz", HealthHandler)

	// lobby lifecycle
	mux.POST("/join/create_lobby/", CreateLobbyHandler(srv))
	mux.POST("/join/", JoinLobbyHandler(srv))

	// lobby views
	mux.GET("/lobbies", ListLobbiesHandler(srv))
	mux.GET("/lobbies/:code", LobbyDetailHandler(srv))
	mux.GET("/lobbies/:code/qr", LobbyQRHandler(srv))

	// lobby ws
	mux.Handler(http.MethodGet, "/ws/connect/", LobbyWSHandler(srv))

	return middleware.LogMiddleware(srv.Logger)(mux)
}
