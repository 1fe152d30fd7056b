package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/dyadlabs/dyad-server/internal/push"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native apps, not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PushHandler upgrades websocket connections and hands them to the hub.
// Authentication happens in-band via the first frame, not here.
type PushHandler struct {
	hub *push.Hub
}

func NewPushHandler(hub *push.Hub) *PushHandler {
	return &PushHandler{hub: hub}
}

func (h *PushHandler) Routes(r chi.Router) {
	r.Get("/ws", h.Connect)
}

func (h *PushHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		hlog.FromRequest(r).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.HandleConn(r.Context(), ws, remoteIP(r))
}
