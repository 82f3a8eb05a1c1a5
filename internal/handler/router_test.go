package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/presence-relay/backend/internal/handler/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/handler/ws"
	"github.com/zhouzirui/presence-relay/backend/internal/service/gateway"
	"github.com/zhouzirui/presence-relay/backend/internal/service/heartbeat"
	"github.com/zhouzirui/presence-relay/backend/internal/service/relay"
	"github.com/zhouzirui/presence-relay/backend/internal/service/room"
	"github.com/zhouzirui/presence-relay/backend/internal/service/session"
	"github.com/zhouzirui/presence-relay/backend/internal/store/memory"
)

func TestRouterRoutes(t *testing.T) {
	repo := memory.New()
	log := zap.NewNop()
	hub := gateway.NewHub(session.NewRegistry(nil), room.NewMembership(), relay.New(repo, repo, log, nil), repo, log, gateway.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	reporter := heartbeat.NewReporter(hub, hub, time.Minute, log)
	router := NewRouter(
		ws.New(hub, nil, repo, log, ws.Options{AllowedOrigins: []string{"*"}}),
		presence.New(hub, repo, reporter, log),
	)

	cases := map[string]int{
		"/healthz":                   http.StatusOK,
		"/api/presence":              http.StatusOK,
		"/api/rooms/missing/summary": http.StatusNotFound,
		"/ws":                        http.StatusBadRequest,
		"/nope":                      http.StatusNotFound,
	}
	for path, want := range cases {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.Code)
		}
	}
}
