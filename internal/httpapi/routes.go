package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/duelgrid/relay-server/internal/hub"
	"github.com/duelgrid/relay-server/internal/session"
	"github.com/duelgrid/relay-server/internal/settings"
	"github.com/duelgrid/relay-server/internal/ws"
)

// SetupRoutes builds the router with the hub and stores injected. origins
// lists the websocket origin host patterns allowed to connect.
func SetupRoutes(h *hub.Hub, t *session.Tracker, s *settings.Store, origins []string, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/stats", Stats(h))
	r.Get("/ws", ws.Handler(h, origins, log))

	r.Route("/sessions/{userID}", func(r chi.Router) {
		r.Get("/", GetSession(t))
		r.Post("/start", StartSession(t, log))
		r.Post("/stop", StopSession(t, log))
	})

	r.Route("/settings/{key}", func(r chi.Router) {
		r.Get("/", GetSetting(s))
		r.Put("/", PutSetting(s))
		r.Delete("/", DeleteSetting(s))
	})

	return r
}
