package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mapveto/backend/internal/hub"
)

func SetupRoutes(h *hub.Hub, wsHandler http.HandlerFunc, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Post("/fixtures", CreateFixture(h, log))
	r.Get("/healthz", Healthz)
	r.Get("/ws", wsHandler)
	return r
}
