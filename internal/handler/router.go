package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/presence-relay/backend/internal/handler/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/handler/ws"
)

// NewRouter wires HTTP routes to the gateway and its read-side endpoints.
func NewRouter(wsHandler *ws.Handler, presenceHandler *presence.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	wsHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		presenceHandler.RegisterRoutes(api)
	})

	return r
}
