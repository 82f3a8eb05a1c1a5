package presence

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	presencemodel "github.com/zhouzirui/presence-relay/backend/internal/model/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/service/heartbeat"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
	"github.com/zhouzirui/presence-relay/backend/pkg/utils"
)

// Source 提供实时在线状态表。
type Source interface {
	Presence() []presencemodel.Record
	Counts() (users, sockets int)
}

// Handler 在线状态与房间摘要的 HTTP 处理器
type Handler struct {
	source   Source
	rooms    store.RoomRepository
	reporter *heartbeat.Reporter
	log      *zap.Logger
}

// New 创建处理器。reporter 为空时不注册心跳流。
func New(source Source, rooms store.RoomRepository, reporter *heartbeat.Reporter, log *zap.Logger) *Handler {
	return &Handler{source: source, rooms: rooms, reporter: reporter, log: log}
}

// RegisterRoutes 注册相关路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/presence", h.handlePresence)
	r.Get("/rooms/{roomID}/summary", h.handleRoomSummary)
	if h.reporter != nil {
		r.Get("/heartbeat/stream", h.handleHeartbeatStream)
	}
}

type presenceResponse struct {
	Users            []presencemodel.Record `json:"users"`
	ConnectedClients int                    `json:"connectedClients"`
	TotalSockets     int                    `json:"totalSockets"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	users, sockets := h.source.Counts()
	utils.RespondJSON(w, http.StatusOK, presenceResponse{
		Users:            h.source.Presence(),
		ConnectedClients: users,
		TotalSockets:     sockets,
	})
}

func (h *Handler) handleRoomSummary(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	summary, err := h.rooms.FindRoom(r.Context(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		h.log.Error("room summary lookup failed", zap.String("room", roomID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, summary)
}

// handleHeartbeatStream 以 SSE 推送心跳快照
func (h *Handler) handleHeartbeatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	snapshots, cancel := h.reporter.Subscribe()
	defer cancel()

	ctx := r.Context()
	h.log.Debug("heartbeat stream opened", zap.String("remote", r.RemoteAddr))

	if err := utils.SendSSEEvent(w, flusher, heartbeat.EventName, h.reporter.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("heartbeat stream closed", zap.String("remote", r.RemoteAddr))
			return
		case snap := <-snapshots:
			if err := utils.SendSSEEvent(w, flusher, heartbeat.EventName, snap); err != nil {
				h.log.Debug("heartbeat stream write failed", zap.Error(err))
				return
			}
		}
	}
}
