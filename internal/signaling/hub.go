package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleo/parleo/internal/cache"
	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/ice"
	"github.com/parleo/parleo/internal/policy"
	"github.com/parleo/parleo/internal/sfu"
)

// Timer defaults. Fields on the hub so tests can shrink them.
const (
	defaultRingingTimeout  = 30 * time.Second
	defaultAckTimeout      = 2 * time.Second
	defaultDisconnectGrace = 3 * time.Second
)

// presenceTTL bounds conversation-presence set entries so a crashed instance
// cannot leave viewers marked active forever.
const presenceTTL = 10 * time.Minute

// Hub owns every signaling connection. Call rooms group the participants of
// one call; user rooms deliver per-user messages such as media progress.
type Hub struct {
	calls   *call.Service
	sfuc    *sfu.Client
	icep    *ice.Provider
	bus     *events.Bus
	store   cache.Store
	checker policy.Checker
	logger  *slog.Logger

	ringingTimeout  time.Duration
	ackTimeout      time.Duration
	disconnectGrace time.Duration

	mu     sync.RWMutex
	byUser map[string]map[*Client]bool
	rooms  map[string]map[*Client]bool
	convs  map[*Client]string // conversation each client is viewing

	tmu     sync.Mutex
	ringing map[string]*time.Timer // by call ID
	acks    map[string]*time.Timer // by call ID
	graces  map[string]*time.Timer // by user ID

	batch *iceBatcher

	upgrader websocket.Upgrader
}

// NewHub wires the hub. Call Start before serving connections.
func NewHub(calls *call.Service, sfuc *sfu.Client, icep *ice.Provider, bus *events.Bus, store cache.Store, checker policy.Checker, logger *slog.Logger) *Hub {
	h := &Hub{
		calls:           calls,
		sfuc:            sfuc,
		icep:            icep,
		bus:             bus,
		store:           store,
		checker:         checker,
		logger:          logger.With("subsystem", "signaling"),
		ringingTimeout:  defaultRingingTimeout,
		ackTimeout:      defaultAckTimeout,
		disconnectGrace: defaultDisconnectGrace,
		byUser:          make(map[string]map[*Client]bool),
		rooms:           make(map[string]map[*Client]bool),
		convs:           make(map[*Client]string),
		ringing:         make(map[string]*time.Timer),
		acks:            make(map[string]*time.Timer),
		graces:          make(map[string]*time.Timer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients authenticate with a bearer token, not cookies;
			// origin enforcement happens at the edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.batch = newICEBatcher(h)
	return h
}

// Start subscribes the hub to the domain events it mirrors onto sockets.
func (h *Hub) Start() {
	h.bus.Subscribe(events.TopicCallEnded, "signaling-ended", h.onCallEnded)
	for _, topic := range []string{events.TopicMediaUploaded, events.TopicMediaProcessed, events.TopicMediaFailed} {
		h.bus.Subscribe(topic, "signaling-media-progress", h.onMediaProgress)
	}
}

func callRoom(callID string) string { return "call:" + callID }
func userRoom(userID string) string { return "user:" + userID }

// convKey is the cache set of users currently viewing a conversation. It is
// shared state, not hub-local: progress fan-out must reach viewers connected
// to other instances.
func convKey(conversationID string) string { return "conv:active:" + conversationID }

// ServeWS upgrades an authenticated request and runs the connection pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}
	c := newClient(h, conn, userID)
	h.register(c)
	go c.writePump()
	go c.readPump()
}

// register attaches a connection, cancels any pending disconnect grace, and
// rebuilds call state for a reconnecting participant.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[*Client]bool)
	}
	h.byUser[c.userID][c] = true
	h.joinLocked(userRoom(c.userID), c)
	h.mu.Unlock()

	h.cancelGrace(c.userID)
	h.logger.Debug("client connected", "user", c.userID)

	ctx := context.Background()
	sess, err := h.calls.GetByUserID(ctx, c.userID)
	if err != nil {
		return
	}

	h.join(callRoom(sess.CallID), c)
	switch sess.Status {
	case call.StateRinging:
		// A receiver who reconnects mid-ring gets the invitation again.
		if c.userID != sess.CallerID {
			c.Send(encode(MsgIncoming, IncomingPayload{
				CallID:         sess.CallID,
				CallerID:       sess.CallerID,
				CallType:       sess.CallType,
				Provider:       sess.Provider,
				ConversationID: sess.ConversationID,
				ICE:            h.icep.ForUser(c.userID),
			}))
		}
	case call.StateReconnecting:
		if _, err := h.calls.UpdateStatus(ctx, sess.CallID, call.EventReconnect); err == nil {
			h.broadcast(callRoom(sess.CallID), encode(MsgPeerBack, ParticipantPayload{
				CallID: sess.CallID,
				UserID: c.userID,
			}), c)
		}
	}
}

// unregister detaches a connection. When it was the user's last one and the
// user is mid-call, the call survives for the disconnect grace window.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if conns, ok := h.byUser[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	for room, members := range h.rooms {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	conv := h.convs[c]
	delete(h.convs, c)
	if conv != "" {
		// Stay in the presence set while another device of the same user is
		// still viewing the conversation.
		for other := range h.byUser[c.userID] {
			if h.convs[other] == conv {
				conv = ""
				break
			}
		}
	}
	lastConn := h.byUser[c.userID] == nil
	h.mu.Unlock()

	if conv != "" {
		if err := h.store.SRem(context.Background(), convKey(conv), c.userID); err != nil {
			h.logger.Warn("leaving conversation presence", "user", c.userID, "error", err)
		}
	}

	c.close()
	if !lastConn {
		return
	}
	h.logger.Debug("client disconnected", "user", c.userID)

	ctx := context.Background()
	sess, err := h.calls.GetByUserID(ctx, c.userID)
	if err != nil {
		return
	}

	if sess.Status == call.StateActive {
		if _, err := h.calls.UpdateStatus(ctx, sess.CallID, call.EventDisconnect); err != nil {
			h.logger.Warn("marking disconnect", "call_id", sess.CallID, "error", err)
		}
	}
	h.broadcast(callRoom(sess.CallID), encode(MsgPeerGone, ParticipantPayload{
		CallID: sess.CallID,
		UserID: c.userID,
	}), nil)

	h.startGrace(c.userID)
}

// startGrace arms the disconnect timer: a user who stays away has whatever
// call their index still points at ended gracefully.
func (h *Hub) startGrace(userID string) {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	if t, ok := h.graces[userID]; ok {
		t.Stop()
	}
	h.graces[userID] = time.AfterFunc(h.disconnectGrace, func() {
		h.tmu.Lock()
		delete(h.graces, userID)
		h.tmu.Unlock()

		if h.isOnline(userID) {
			return
		}
		if err := h.calls.CleanupUserSessions(context.Background(), userID); err != nil {
			h.logger.Warn("cleaning up call after disconnect grace", "user", userID, "error", err)
		}
	})
}

func (h *Hub) cancelGrace(userID string) {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	if t, ok := h.graces[userID]; ok {
		t.Stop()
		delete(h.graces, userID)
	}
}

// startRinging arms the no-answer timer for a new call.
func (h *Hub) startRinging(callID string) {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	h.ringing[callID] = time.AfterFunc(h.ringingTimeout, func() {
		h.tmu.Lock()
		delete(h.ringing, callID)
		h.tmu.Unlock()

		if _, err := h.calls.EndGracefully(context.Background(), callID, events.ReasonTimeout); err != nil {
			h.logger.Warn("ending unanswered call", "call_id", callID, "error", err)
		}
	})
}

// startAck arms the ringing-ack timer: a callee whose device never
// acknowledges the ring gets a push wake-up.
func (h *Hub) startAck(callID string, ev events.PushNeeded) {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	h.acks[callID] = time.AfterFunc(h.ackTimeout, func() {
		h.tmu.Lock()
		delete(h.acks, callID)
		h.tmu.Unlock()

		if err := h.bus.Publish(context.Background(), ev); err != nil {
			h.logger.Warn("publishing push-needed", "call_id", callID, "error", err)
		}
	})
}

func (h *Hub) stopTimer(m map[string]*time.Timer, key string) {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	if t, ok := m[key]; ok {
		t.Stop()
		delete(m, key)
	}
}

// onCallEnded mirrors the finalized call onto every connected participant
// and tears down the room, timers, and any SFU resources.
func (h *Hub) onCallEnded(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.CallEnded)
	if !ok {
		return nil
	}

	h.stopTimer(h.ringing, ev.CallID)
	h.stopTimer(h.acks, ev.CallID)
	h.batch.drop(ev.CallID)

	room := callRoom(ev.CallID)
	h.broadcast(room, encode(MsgEnded, EndedPayload{
		CallID:   ev.CallID,
		Status:   ev.Status,
		Reason:   ev.Reason,
		Duration: ev.DurationSeconds,
	}), nil)
	h.closeRoom(room)

	if ev.Provider == call.ProviderSFU && h.sfuc != nil && h.sfuc.Configured() {
		// Room teardown is best-effort; rooms expire provider-side anyway.
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.sfuc.DeleteRoom(dctx, sfu.RoomName(ev.CallID)); err != nil {
				h.logger.Warn("deleting sfu room", "call_id", ev.CallID, "error", err)
			}
		}()
	}
	return nil
}

// onMediaProgress forwards media lifecycle events to the uploader's devices.
// Completed attachments additionally reach users actively viewing the
// destination conversation, so their message view updates without a refetch.
func (h *Hub) onMediaProgress(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.MediaEvent)
	if !ok {
		return nil
	}

	frame := encode(progressType(ev.AttachmentID), MediaProgressPayload{
		Status:         ev.Status,
		Progress:       ev.Progress,
		ThumbnailURL:   ev.ThumbnailURL,
		OptimizedURL:   ev.OptimizedURL,
		HLSPlaylistURL: ev.HLSPlaylistURL,
		CDNURL:         ev.CDNURL,
		Error:          ev.Error,
		MessageID:      ev.MessageID,
	})
	h.broadcast(userRoom(ev.UploaderID), frame, nil)

	if ev.EventType() != events.TopicMediaProcessed || ev.ConversationID == "" {
		return nil
	}
	viewers, err := h.store.SMembers(ctx, convKey(ev.ConversationID))
	if err != nil {
		return fmt.Errorf("signaling: loading conversation viewers: %w", err)
	}
	for _, userID := range viewers {
		if userID != ev.UploaderID {
			h.sendToUser(userID, frame)
		}
	}
	return nil
}

func (h *Hub) join(room string, c *Client) {
	h.mu.Lock()
	h.joinLocked(room, c)
	h.mu.Unlock()
}

func (h *Hub) joinLocked(room string, c *Client) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
}

func (h *Hub) closeRoom(room string) {
	h.mu.Lock()
	delete(h.rooms, room)
	h.mu.Unlock()
}

// leaveUser removes every live connection of a user from a room.
func (h *Hub) leaveUser(room, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.rooms[room]
	for c := range h.byUser[userID] {
		delete(conns, c)
	}
	if len(conns) == 0 {
		delete(h.rooms, room)
	}
}

// broadcast sends to every member of a room except the sender.
func (h *Hub) broadcast(room string, data []byte, except *Client) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.Send(data)
	}
}

// broadcastExcludingUser sends to every room member except all of one
// user's connections. Candidate batches must not echo to the sender's other
// devices.
func (h *Hub) broadcastExcludingUser(room string, data []byte, userID string) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c.userID != userID {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.Send(data)
	}
}

// sendToUser delivers to every connection a user holds. Returns false when
// the user is fully offline.
func (h *Hub) sendToUser(userID string, data []byte) bool {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Send(data)
	}
	return len(conns) > 0
}

func (h *Hub) isOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// ConnectionCount reports live connections for metrics.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.byUser {
		n += len(conns)
	}
	return n
}
