package presence

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
	presencemodel "github.com/zhouzirui/presence-relay/backend/internal/model/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/service/heartbeat"
	"github.com/zhouzirui/presence-relay/backend/internal/service/session"
	"github.com/zhouzirui/presence-relay/backend/internal/store/memory"
)

type registrySource struct{ *session.Registry }

func (s registrySource) Presence() []presencemodel.Record { return s.UniquePresenceList() }

func setupRouter(t *testing.T) (*chi.Mux, *session.Registry, *memory.Store, *heartbeat.Reporter) {
	t.Helper()
	reg := session.NewRegistry(nil)
	repo := memory.New()
	reporter := heartbeat.NewReporter(reg, nil, time.Hour, zap.NewNop())

	r := chi.NewRouter()
	New(registrySource{reg}, repo, reporter, zap.NewNop()).RegisterRoutes(r)
	return r, reg, repo, reporter
}

func TestPresenceSnapshot(t *testing.T) {
	r, reg, _, _ := setupRouter(t)
	reg.RegisterConnection("alice", "a1", presencemodel.Info{})
	reg.RegisterConnection("alice", "a2", presencemodel.Info{})
	reg.RegisterConnection("bob", "b1", presencemodel.Info{})

	req := httptest.NewRequest(http.MethodGet, "/presence", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body presenceResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Users) != 2 || body.ConnectedClients != 2 || body.TotalSockets != 3 {
		t.Fatalf("unexpected snapshot %+v", body)
	}
}

func TestRoomSummary(t *testing.T) {
	r, _, repo, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/rooms/general/summary", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	repo.UpdateRoomSummary(context.Background(), "general", chat.SummaryUpdate{Text: "hi", SentAt: time.Now(), SenderID: "alice"})

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var summary chat.RoomSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.RoomID != "general" || summary.LastMessage != "hi" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestHeartbeatStream(t *testing.T) {
	r, reg, _, reporter := setupRouter(t)
	reg.RegisterConnection("alice", "a1", presencemodel.Info{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/heartbeat/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	if first.ConnectedClients != 1 || first.TotalSockets != 1 {
		t.Fatalf("unexpected first snapshot %+v", first)
	}

	reg.RegisterConnection("bob", "b1", presencemodel.Info{})
	reporter.Tick()
	second := readEvent(t, reader)
	if second.ConnectedClients != 2 {
		t.Fatalf("unexpected second snapshot %+v", second)
	}
}

func readEvent(t *testing.T, reader *bufio.Reader) heartbeat.Snapshot {
	t.Helper()
	var event string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event != heartbeat.EventName {
				t.Fatalf("unexpected event %q", event)
			}
			var snap heartbeat.Snapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			return snap
		}
	}
}
