// Package gateway owns the live connections and runs the single event loop
// that applies every inbound event to the session registry, room membership
// and relay pipeline.
//
// All state transitions happen on the loop goroutine, one event at a time.
// The only work done off the loop is persistence and profile writes; their
// completions are posted back to the loop before anything is broadcast.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
	"github.com/zhouzirui/presence-relay/backend/internal/model/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/service/relay"
	"github.com/zhouzirui/presence-relay/backend/internal/service/room"
	"github.com/zhouzirui/presence-relay/backend/internal/service/session"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
	redisstore "github.com/zhouzirui/presence-relay/backend/internal/store/redis"
)

// ErrHubStopped is returned when the hub no longer accepts work.
var ErrHubStopped = errors.New("gateway: hub stopped")

// PresencePublisher receives presence transitions. The Redis mirror
// implements it.
type PresencePublisher interface {
	Publish(redisstore.Update) bool
}

// Options tunes the hub.
type Options struct {
	SendBuffer     int
	PersistTimeout time.Duration
	Clock          func() time.Time
	Mirror         PresencePublisher
}

type connectCall struct {
	req   ConnectRequest
	reply chan connectReply
}

type connectReply struct {
	client *Client
	err    error
}

// inboundFrame is either a text frame or, when closed is set, the end of the
// transport. Both travel on one channel so a client's frames stay ordered
// ahead of its teardown.
type inboundFrame struct {
	client *Client
	raw    []byte
	closed bool
	reason string
}

type completion struct {
	plan   relay.Plan
	sender relay.Sender
	result relay.Result
}

type broadcastCall struct {
	event   string
	payload any
}

type userWrite struct {
	username string
	update   chat.UserPresence
}

// Hub is the connection gateway.
type Hub struct {
	registry *session.Registry
	rooms    *room.Membership
	pipeline *relay.Pipeline
	users    store.UserRepository
	mirror   PresencePublisher
	log      *zap.Logger
	clock    func() time.Time

	sendBuffer     int
	persistTimeout time.Duration

	// clients is owned by the loop goroutine.
	clients map[string]*Client

	connects    chan connectCall
	inbound     chan inboundFrame
	completions chan completion
	broadcasts  chan broadcastCall
	userWrites  chan userWrite

	inflight sync.WaitGroup
	stopped  chan struct{}
	done     chan struct{}
}

// NewHub wires the hub to its collaborators. users may be nil.
func NewHub(registry *session.Registry, rooms *room.Membership, pipeline *relay.Pipeline, users store.UserRepository, log *zap.Logger, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	return &Hub{
		registry:       registry,
		rooms:          rooms,
		pipeline:       pipeline,
		users:          users,
		mirror:         opts.Mirror,
		log:            log,
		clock:          opts.Clock,
		sendBuffer:     opts.SendBuffer,
		persistTimeout: opts.PersistTimeout,
		clients:        make(map[string]*Client),
		connects:       make(chan connectCall),
		inbound:        make(chan inboundFrame, 256),
		completions:    make(chan completion, 64),
		broadcasts:     make(chan broadcastCall),
		userWrites:     make(chan userWrite, 256),
		stopped:        make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled. On exit every client queue is
// closed and in-flight persistence is allowed to finish.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		h.runUserWrites()
	}()

	h.log.Info("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			close(h.userWrites)
			writers.Wait()
			h.log.Info("hub stopped")
			return nil

		case call := <-h.connects:
			client, err := h.safeConnect(call.req)
			call.reply <- connectReply{client: client, err: err}

		case in := <-h.inbound:
			if in.closed {
				h.guard("teardown", func() { h.teardown(in.client, in.reason) })
				continue
			}
			h.guard("inbound", func() { h.handleFrame(in.client, in.raw) })

		case c := <-h.completions:
			h.guard("completion", func() { h.complete(c) })

		case b := <-h.broadcasts:
			h.guard("broadcast", func() { h.broadcastAll(b.event, b.payload, "") })
		}
	}
}

// Connect registers a new connection and returns its client. The welcome
// frame is already queued when Connect returns.
func (h *Hub) Connect(ctx context.Context, req ConnectRequest) (*Client, error) {
	call := connectCall{req: req, reply: make(chan connectReply, 1)}
	select {
	case h.connects <- call:
	case <-h.stopped:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	reply := <-call.reply
	return reply.client, reply.err
}

// Dispatch hands one inbound text frame to the loop.
func (h *Hub) Dispatch(c *Client, raw []byte) error {
	select {
	case h.inbound <- inboundFrame{client: c, raw: raw}:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// Disconnect tears the client down after its transport closed. Calling it
// for a client already torn down is a no-op.
func (h *Hub) Disconnect(c *Client, reason string) {
	select {
	case h.inbound <- inboundFrame{client: c, closed: true, reason: reason}:
	case <-h.stopped:
	}
}

// Broadcast sends event to every connection.
func (h *Hub) Broadcast(event string, payload any) bool {
	select {
	case h.broadcasts <- broadcastCall{event: event, payload: payload}:
		return true
	case <-h.stopped:
		return false
	}
}

// Presence returns the unique presence list.
func (h *Hub) Presence() []presence.Record { return h.registry.UniquePresenceList() }

// Counts returns distinct users and live connections.
func (h *Hub) Counts() (users, sockets int) { return h.registry.Counts() }

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("hub handler panic", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (h *Hub) safeConnect(req ConnectRequest) (client *Client, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("connect panic", zap.String("connectionId", req.ConnectionID), zap.Any("panic", r))
			client, err = nil, errors.New("gateway: connect failed")
		}
	}()
	return h.handleConnect(req)
}

func (h *Hub) handleConnect(req ConnectRequest) (*Client, error) {
	now := h.clock().UTC()
	res, err := h.registry.RegisterConnection(req.Username, req.ConnectionID, req.Info)
	if err != nil {
		return nil, err
	}

	c := newClient(req.ConnectionID, req.Username, h.sendBuffer, now)
	h.clients[c.ID] = c
	for _, id := range h.rooms.Attach(c.ID) {
		h.log.Warn("evicted connection from reserved room", zap.String("room", c.ID), zap.String("connectionId", id))
	}

	h.sendTo([]string{c.ID}, EventWelcome, Welcome{ConnectionID: c.ID, Username: c.Username, ServerTime: now})

	users, sockets := h.registry.Counts()
	h.log.Info("connection registered",
		zap.String("connectionId", c.ID), zap.String("username", c.Username),
		zap.Bool("first", res.First), zap.Int("users", users), zap.Int("sockets", sockets))

	rec := res.Record
	h.publish(rec, false)
	if res.First {
		h.broadcastAll(EventUserJoined, UserJoined{Username: c.Username, ConnectionID: c.ID, Presence: &rec}, c.ID)
		h.writeUser(rec)
	}
	return c, nil
}

func (h *Hub) handleFrame(c *Client, raw []byte) {
	if h.clients[c.ID] != c {
		h.log.Debug("frame from detached connection", zap.String("connectionId", c.ID))
		return
	}

	ev, err := DecodeEvent(raw)
	if err != nil {
		h.reject(c, err)
		return
	}

	now := h.clock().UTC()
	sender := relay.Sender{Username: c.Username, ConnectionID: c.ID}

	switch e := ev.(type) {
	case MessageEvent:
		h.sendTo([]string{c.ID}, EventEcho, Echo{Message: e.Data, ConnectionID: c.ID, Timestamp: now})

	case ChatEvent:
		if !h.allowRoom(c, e.Room) {
			return
		}
		payload := ChatBroadcast{Text: e.Text, Username: c.Username, ConnectionID: c.ID, Room: e.Room, Timestamp: now}
		if e.Room != "" {
			h.sendTo(h.rooms.Members(e.Room), EventChat, payload)
		} else {
			h.broadcastAll(EventChat, payload, "")
		}

	case PrivateMessageEvent:
		// Delivered to the target connection itself, never through room membership.
		if _, ok := h.clients[e.TargetConnectionID]; !ok {
			h.log.Debug("private message target gone", zap.String("target", e.TargetConnectionID))
			return
		}
		h.sendTo([]string{e.TargetConnectionID}, EventPrivateMessage, PrivateMessage{
			From:             c.Username,
			FromConnectionID: c.ID,
			Message:          orNull(e.Message),
			Timestamp:        now,
		})

	case JoinRoomEvent:
		if !h.allowRoom(c, e.Room) {
			return
		}
		existing, joined := h.rooms.Join(c.ID, e.Room)
		if joined {
			h.sendTo(existing, EventUserJoined, UserJoined{Username: c.Username, ConnectionID: c.ID, Room: e.Room})
		}
		h.sendTo([]string{c.ID}, EventJoinedRoom, JoinedRoom{
			Room:    e.Room,
			Members: h.rooms.Members(e.Room),
			Rooms:   h.rooms.Rooms(c.ID),
		})

	case RoomMessageEvent:
		if !h.allowRoom(c, e.Room) {
			return
		}
		h.relayRoomMessage(c, sender, e)

	case TypingEvent:
		if !h.allowRoom(c, e.Room) {
			return
		}
		name := EventUserTyping
		if e.Stopped {
			name = EventUserStoppedTyping
		}
		payload := Typing{Username: c.Username, ConnectionID: c.ID, Room: e.Room}
		if e.Room != "" {
			h.sendTo(without(h.rooms.Members(e.Room), c.ID), name, payload)
		} else {
			h.broadcastAll(name, payload, c.ID)
		}

	case FileShareEvent:
		h.broadcastAll(EventFileReceived, FileReceived{
			FileName:     e.FileName,
			FileData:     e.FileData,
			FileSize:     e.FileSize,
			From:         c.Username,
			ConnectionID: c.ID,
			Timestamp:    now,
		}, c.ID)

	case StatusUpdateEvent:
		rec, ok := h.registry.UpdateStatus(c.Username, e.Status, e.CustomStatus)
		h.presenceChanged(rec, ok)

	case UserInfoUpdateEvent:
		rec, ok := h.registry.UpdateInfo(c.Username, e.Info)
		h.presenceChanged(rec, ok)

	case UserListEvent:
		h.sendTo([]string{c.ID}, EventUserList, UserList{Users: h.registry.UniquePresenceList()})

	case DisconnectEvent:
		h.teardown(c, "client disconnect: "+e.Reason)

	case LeaveEvent:
		h.teardown(c, "client leave")

	case ErrorEvent:
		h.log.Warn("client reported error", zap.String("connectionId", c.ID), zap.String("message", e.Message))
	}
}

func (h *Hub) presenceChanged(rec presence.Record, ok bool) {
	if !ok {
		h.log.Debug("presence update for absent session", zap.String("username", rec.Username))
		return
	}
	h.publish(rec, false)
	h.writeUser(rec)
	h.broadcastAll(EventUserStatusChanged, rec, "")
}

func (h *Hub) relayRoomMessage(c *Client, sender relay.Sender, e RoomMessageEvent) {
	plan, err := h.pipeline.Plan(e.Room, e.Message, sender)
	if err != nil {
		h.reject(c, err)
		return
	}
	if !plan.Persist() {
		h.deliver(plan, sender, nil)
		return
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("persist panic", zap.String("room", plan.Room), zap.Any("panic", r))
			}
		}()

		// Not tied to the connection: a disconnect must not abort the write.
		ctx, cancel := context.WithTimeout(context.Background(), h.persistTimeout)
		defer cancel()
		res := h.pipeline.Persist(ctx, *plan.Chat)

		select {
		case h.completions <- completion{plan: plan, sender: sender, result: res}:
		case <-h.stopped:
		}
	}()
}

func (h *Hub) complete(c completion) {
	h.deliver(c.plan, c.sender, &c.result)
}

func (h *Hub) deliver(plan relay.Plan, sender relay.Sender, res *relay.Result) {
	h.sendTo(h.rooms.Members(plan.Room), EventRoomMessage, h.pipeline.Deliver(plan, sender, res))
}

// teardown runs at most once per client whatever triggered it.
func (h *Hub) teardown(c *Client, reason string) {
	if h.clients[c.ID] != c {
		return
	}
	delete(h.clients, c.ID)

	for _, d := range h.rooms.LeaveAll(c.ID) {
		h.sendTo(d.Remaining, EventUserLeftRoom, UserLeftRoom{Room: d.Room, Username: c.Username, ConnectionID: c.ID})
	}

	res := h.registry.RemoveConnection(c.ID)
	c.close()

	h.log.Info("connection closed",
		zap.String("connectionId", c.ID), zap.String("username", c.Username),
		zap.String("reason", reason), zap.Bool("offline", res.FullyOffline),
		zap.Int("dropped", c.Dropped()))

	if !res.Found {
		return
	}
	if !res.FullyOffline {
		h.publish(res.Record, false)
		return
	}

	h.broadcastAll(EventUserDisconnected, UserDisconnected{
		Username:     res.Username,
		ConnectionID: c.ID,
		Status:       presence.StatusOffline,
		LastSeen:     res.Record.LastSeen,
	}, "")
	h.publish(res.Record, true)
	h.writeUser(res.Record)
}

// allowRoom refuses a room that is another live connection's default room.
// An empty room always passes.
func (h *Hub) allowRoom(c *Client, room string) bool {
	if room == "" || !h.rooms.Reserved(c.ID, room) {
		return true
	}
	h.reject(c, &relay.ValidationError{Field: "room", Reason: "is reserved"})
	return false
}

func (h *Hub) reject(c *Client, err error) {
	h.log.Debug("rejected frame", zap.String("connectionId", c.ID), zap.Error(err))
	h.sendTo([]string{c.ID}, EventError, ErrorPayload{Message: err.Error()})
}

func (h *Hub) sendTo(ids []string, event string, payload any) {
	if len(ids) == 0 {
		return
	}
	frame, err := Encode(event, payload)
	if err != nil {
		h.log.Error("encode outbound frame", zap.String("event", event), zap.Error(err))
		return
	}
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			h.enqueue(c, event, frame)
		}
	}
}

func (h *Hub) broadcastAll(event string, payload any, exclude string) {
	frame, err := Encode(event, payload)
	if err != nil {
		h.log.Error("encode outbound frame", zap.String("event", event), zap.Error(err))
		return
	}
	for id, c := range h.clients {
		if id != exclude {
			h.enqueue(c, event, frame)
		}
	}
}

func (h *Hub) enqueue(c *Client, event string, frame []byte) {
	if !c.enqueue(frame) {
		h.log.Warn("send queue full, dropping frame", zap.String("connectionId", c.ID), zap.String("event", event))
	}
}

func (h *Hub) publish(rec presence.Record, offline bool) {
	if h.mirror == nil {
		return
	}
	h.mirror.Publish(redisstore.Update{Record: rec, Offline: offline})
}

func (h *Hub) writeUser(rec presence.Record) {
	if h.users == nil {
		return
	}
	customStatus, avatar := rec.CustomStatus, rec.Avatar
	w := userWrite{username: rec.Username, update: chat.UserPresence{
		Status:       string(rec.Status),
		CustomStatus: &customStatus,
		Avatar:       &avatar,
		LastSeen:     rec.LastSeen,
	}}
	select {
	case h.userWrites <- w:
	default:
		h.log.Warn("user write queue full, dropping", zap.String("username", rec.Username))
	}
}

// runUserWrites applies profile writes in order so that an offline write can
// never land after the reconnect that followed it.
func (h *Hub) runUserWrites() {
	for w := range h.userWrites {
		h.applyUserWrite(w)
	}
}

func (h *Hub) applyUserWrite(w userWrite) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("user write panic", zap.String("username", w.username), zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.persistTimeout)
	defer cancel()
	if _, err := h.users.UpdateUser(ctx, w.username, w.update); err != nil {
		h.log.Warn("user presence write failed", zap.String("username", w.username), zap.Error(err))
	}
}

func (h *Hub) shutdown() {
	close(h.stopped)
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
	h.inflight.Wait()
}

func without(ids []string, exclude string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
