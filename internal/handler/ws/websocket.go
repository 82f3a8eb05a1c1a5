// Package ws is the WebSocket transport in front of the gateway hub.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/presence-relay/backend/internal/auth"
	"github.com/zhouzirui/presence-relay/backend/internal/model/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/service/gateway"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
	"github.com/zhouzirui/presence-relay/backend/pkg/utils"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// Options configures the transport.
type Options struct {
	AllowedOrigins []string
	MaxMessageSize int64
	ProfileTimeout time.Duration
}

// Handler upgrades /ws requests and pumps frames between sockets and the hub.
type Handler struct {
	hub        *gateway.Hub
	authorizer auth.Authorizer
	users      store.UserRepository
	log        *zap.Logger
	upgrader   websocket.Upgrader

	allowAll       bool
	allowed        map[string]struct{}
	maxMessageSize int64
	profileTimeout time.Duration
}

// New builds the handler. users may be nil.
func New(hub *gateway.Hub, authorizer auth.Authorizer, users store.UserRepository, log *zap.Logger, opts Options) *Handler {
	if authorizer == nil {
		authorizer = auth.AllowAll{}
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.ProfileTimeout <= 0 {
		opts.ProfileTimeout = 2 * time.Second
	}

	h := &Handler{
		hub:            hub,
		authorizer:     authorizer,
		users:          users,
		log:            log,
		allowed:        make(map[string]struct{}),
		maxMessageSize: opts.MaxMessageSize,
		profileTimeout: opts.ProfileTimeout,
	}
	for _, origin := range opts.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			h.allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(origin); ok {
			h.allowed[normalized] = struct{}{}
		} else if origin != "" {
			log.Warn("ignoring invalid allowed origin", zap.String("origin", origin))
		}
	}

	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// RegisterRoutes mounts the upgrade route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	creds := credentials(r)

	username, err := h.authorizer.Authorize(r.Context(), creds)
	if err != nil {
		h.log.Info("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if username == "" {
		username = creds.DisplayName
	}
	if username == "" {
		username = SynthesizeName(connID)
	}

	info := h.profile(r.Context(), username)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client, err := h.hub.Connect(r.Context(), gateway.ConnectRequest{
		ConnectionID: connID,
		Username:     username,
		Info:         info,
	})
	if err != nil {
		h.log.Error("hub refused connection", zap.String("connectionId", connID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

// readPump forwards text frames to the hub and reports the close.
func (h *Handler) readPump(conn *websocket.Conn, client *gateway.Client) {
	reason := "transport closed"
	defer func() {
		h.hub.Disconnect(client, reason)
		conn.Close()
	}()

	conn.SetReadLimit(h.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				reason = closeErr.Error()
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
				h.log.Warn("websocket read error", zap.String("connectionId", client.ID), zap.Error(err))
				reason = err.Error()
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := h.hub.Dispatch(client, data); err != nil {
			reason = "hub stopped"
			return
		}
	}
}

// writePump drains the client's queue and keeps the connection alive.
func (h *Handler) writePump(conn *websocket.Conn, client *gateway.Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("websocket write failed", zap.String("connectionId", client.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) profile(ctx context.Context, username string) presence.Info {
	if h.users == nil {
		return presence.Info{}
	}
	ctx, cancel := context.WithTimeout(ctx, h.profileTimeout)
	defer cancel()

	user, err := h.users.FindUser(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.log.Warn("profile lookup failed", zap.String("username", username), zap.Error(err))
		}
		return presence.Info{}
	}
	var info presence.Info
	if user.Avatar != "" {
		info.Avatar = &user.Avatar
	}
	if user.CustomStatus != "" {
		info.CustomStatus = &user.CustomStatus
	}
	return info
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := h.allowed[normalized]
	return exists
}

// SynthesizeName derives a display name for anonymous connections.
func SynthesizeName(connID string) string {
	short := strings.ReplaceAll(connID, "-", "")
	if len(short) > 6 {
		short = short[:6]
	}
	return "User_" + short
}

func credentials(r *http.Request) auth.Credentials {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			token = strings.TrimSpace(header[7:])
		}
	}
	return auth.Credentials{
		Token:       token,
		DisplayName: strings.TrimSpace(q.Get("username")),
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
