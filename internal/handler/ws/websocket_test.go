package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/presence-relay/backend/internal/auth"
	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
	"github.com/zhouzirui/presence-relay/backend/internal/service/gateway"
	"github.com/zhouzirui/presence-relay/backend/internal/service/relay"
	"github.com/zhouzirui/presence-relay/backend/internal/service/room"
	"github.com/zhouzirui/presence-relay/backend/internal/service/session"
	"github.com/zhouzirui/presence-relay/backend/internal/store/memory"
)

func setupServer(t *testing.T, authorizer auth.Authorizer, origins []string) (*httptest.Server, *memory.Store) {
	t.Helper()
	repo := memory.New()
	log := zap.NewNop()
	hub := gateway.NewHub(session.NewRegistry(nil), room.NewMembership(), relay.New(repo, repo, log, nil), repo, log, gateway.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	New(hub, authorizer, repo, log, Options{AllowedOrigins: origins}).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return srv, repo
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", query, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, event string, into any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f gateway.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event != event {
			continue
		}
		if into != nil {
			if err := json.Unmarshal(f.Data, into); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
		}
		return
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, _ := json.Marshal(data)
	if err := conn.WriteJSON(gateway.Frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func TestWelcomeAndSynthesizedName(t *testing.T) {
	srv, _ := setupServer(t, nil, []string{"*"})
	conn := dial(t, srv, "", nil)

	var welcome gateway.Welcome
	readFrame(t, conn, gateway.EventWelcome, &welcome)
	if welcome.ConnectionID == "" || welcome.ServerTime.IsZero() {
		t.Fatalf("unexpected welcome %+v", welcome)
	}
	if welcome.Username != SynthesizeName(welcome.ConnectionID) {
		t.Fatalf("expected synthesized name, got %q", welcome.Username)
	}
	if !strings.HasPrefix(welcome.Username, "User_") || len(welcome.Username) != len("User_")+6 {
		t.Fatalf("unexpected synthesized name %q", welcome.Username)
	}
}

func TestRoomRoundTripOverWebSocket(t *testing.T) {
	srv, repo := setupServer(t, nil, []string{"*"})
	repo.SaveUser(chat.User{Username: "alice", Avatar: "alice.png"})

	conn := dial(t, srv, "?username=alice", nil)
	var welcome gateway.Welcome
	readFrame(t, conn, gateway.EventWelcome, &welcome)
	if welcome.Username != "alice" {
		t.Fatalf("expected alice, got %s", welcome.Username)
	}

	writeFrame(t, conn, gateway.EventJoinRoom, "general")
	readFrame(t, conn, gateway.EventJoinedRoom, nil)

	writeFrame(t, conn, gateway.EventRoomMessage, map[string]any{
		"room":    "general",
		"message": map[string]any{"action": "chat", "content": "hello"},
	})
	var d relay.Delivery
	readFrame(t, conn, gateway.EventRoomMessage, &d)
	if d.Persisted == nil || d.Persisted.Content != "hello" || d.Username != "alice" {
		t.Fatalf("unexpected delivery %+v", d)
	}

	writeFrame(t, conn, gateway.EventGetUserList, nil)
	var list gateway.UserList
	readFrame(t, conn, gateway.EventUserList, &list)
	if len(list.Users) != 1 || list.Users[0].Avatar != "alice.png" {
		t.Fatalf("expected stored avatar in presence, got %+v", list.Users)
	}
}

func TestLeaveClosesSocket(t *testing.T) {
	srv, _ := setupServer(t, nil, []string{"*"})
	observer := dial(t, srv, "?username=bob", nil)
	readFrame(t, observer, gateway.EventWelcome, nil)

	conn := dial(t, srv, "?username=alice", nil)
	readFrame(t, conn, gateway.EventWelcome, nil)
	readFrame(t, observer, gateway.EventUserJoined, nil)

	writeFrame(t, conn, gateway.EventLeave, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
	}

	var gone gateway.UserDisconnected
	readFrame(t, observer, gateway.EventUserDisconnected, &gone)
	if gone.Username != "alice" {
		t.Fatalf("unexpected user_disconnected %+v", gone)
	}
}

func TestJWTAuthorizer(t *testing.T) {
	secret := "s3cret"
	srv, _ := setupServer(t, auth.NewJWTAuthorizer(secret), []string{"*"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?username=mallory"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Username: "carol",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn := dial(t, srv, "?username=mallory", header)
	var welcome gateway.Welcome
	readFrame(t, conn, gateway.EventWelcome, &welcome)
	if welcome.Username != "carol" {
		t.Fatalf("token username should win, got %s", welcome.Username)
	}
}

func TestOriginCheck(t *testing.T) {
	srv, _ := setupServer(t, nil, []string{"https://app.example.com"})

	header := http.Header{}
	header.Set("Origin", "https://APP.example.com")
	conn := dial(t, srv, "", header)
	readFrame(t, conn, gateway.EventWelcome, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header.Set("Origin", "https://evil.example.com")
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden origin, err=%v", err)
	}
}

func TestCredentialsExtraction(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?username=%20dave%20", nil)
	req.Header.Set("Authorization", "bearer abc")
	creds := credentials(req)
	if creds.Token != "abc" || creds.DisplayName != "dave" {
		t.Fatalf("unexpected credentials %+v", creds)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	req.Header.Set("Authorization", "Bearer header")
	if creds := credentials(req); creds.Token != "q" {
		t.Fatalf("query token should win, got %q", creds.Token)
	}
}
