package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/sfu"
)

// handleTimeout bounds the work done for one inbound frame.
const handleTimeout = 15 * time.Second

// handleMessage dispatches one inbound frame. Failures go back to the sender
// as call:error; the connection stays up.
func (h *Hub) handleMessage(c *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.Send(encode(MsgError, ErrorPayload{Code: "BAD_INPUT", Message: "malformed envelope"}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case MsgInitiate:
		err = h.handleInitiate(ctx, c, env.Payload)
	case MsgAccept:
		err = h.handleAccept(ctx, c, env.Payload)
	case MsgReject:
		err = h.handleReject(ctx, c, env.Payload)
	case MsgHangup:
		err = h.handleHangup(ctx, c, env.Payload)
	case MsgRingingAck:
		err = h.handleRingingAck(ctx, c, env.Payload)
	case MsgSwitchToSFU:
		err = h.handleSwitchToSFU(ctx, c, env.Payload)
	case MsgHeartbeat:
		err = h.handleHeartbeat(ctx, c, env.Payload)
	case MsgConvEnter:
		err = h.handleConvEnter(ctx, c, env.Payload)
	case MsgConvLeave:
		err = h.handleConvLeave(ctx, c, env.Payload)
	case MsgOffer, MsgAnswer, MsgICERestart:
		err = h.relaySDP(ctx, c, env.Type, env.Payload)
	case MsgCandidate:
		err = h.handleCandidate(ctx, c, env.Payload)
	default:
		err = call.E(call.KindBadInput, "unknown message type %q", env.Type)
	}

	if err != nil {
		h.logger.Debug("message rejected", "user", c.userID, "type", env.Type, "error", err)
		c.Send(encode(MsgError, ErrorPayload{Code: errorCode(err), Message: err.Error()}))
	}
}

func (h *Hub) handleInitiate(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p InitiatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed initiate payload")
	}

	receivers := append([]string{p.CalleeID}, p.ReceiverIDs...)
	// Membership of a shared group conversation already implies consent, so
	// the privacy predicate only gates direct calls.
	groupConversation := p.ConversationID != "" && len(receivers) > 1
	if h.checker != nil && !groupConversation {
		if err := h.checker.CanCall(ctx, c.userID, receivers); err != nil {
			return err
		}
	}

	sess, err := h.calls.StartCall(ctx, c.userID, p.CalleeID, p.CallType, call.ProviderP2P, p.ConversationID, p.ReceiverIDs)
	if err != nil {
		return err
	}

	// Group calls start on the SFU; provision the room before anyone rings.
	if sess.Provider == call.ProviderSFU {
		provisioned, perr := h.provisionRoom(ctx, sess)
		if perr != nil {
			_, _ = h.calls.EndCall(ctx, sess.CallID, models.CallCancelled, events.ReasonFailed)
			return perr
		}
		sess = provisioned
	}

	h.join(callRoom(sess.CallID), c)
	h.startRinging(sess.CallID)

	c.Send(encode(MsgRinging, RingingPayload{
		CallID:      sess.CallID,
		CallType:    sess.CallType,
		Provider:    sess.Provider,
		ReceiverIDs: sess.ParticipantIDs,
		ICE:         h.icep.ForUser(c.userID),
	}))

	if sess.Provider == call.ProviderSFU {
		if err := h.sendHostRoomCredentials(ctx, sess); err != nil {
			h.logger.Warn("issuing caller sfu tokens", "call_id", sess.CallID, "error", err)
		}
	}

	for _, receiverID := range sess.ParticipantIDs {
		h.inviteReceiver(ctx, sess, receiverID)
	}
	return nil
}

// inviteReceiver rings one receiver's devices, falling back to a push
// wake-up when they are offline or never acknowledge the ring. Receivers of
// an SFU call are handed their room credentials in the ring itself.
func (h *Hub) inviteReceiver(ctx context.Context, sess *call.Session, receiverID string) {
	h.joinUser(callRoom(sess.CallID), receiverID)

	inc := IncomingPayload{
		CallID:         sess.CallID,
		CallerID:       sess.CallerID,
		CallType:       sess.CallType,
		Provider:       sess.Provider,
		ConversationID: sess.ConversationID,
		ICE:            h.icep.ForUser(receiverID),
	}
	if sess.Provider == call.ProviderSFU && h.sfuc != nil && h.sfuc.Configured() {
		roomName := sess.SFURoomName
		if roomName == "" {
			roomName = sfu.RoomName(sess.CallID)
		}
		if token, err := h.sfuc.CreateMeetingToken(ctx, roomName, receiverID, false); err != nil {
			h.logger.Warn("minting receiver meeting token", "call_id", sess.CallID, "user", receiverID, "error", err)
		} else {
			inc.RoomName = roomName
			inc.RoomURL = h.sfuc.RoomURL(roomName)
			inc.Token = token
		}
	}

	online := h.sendToUser(receiverID, encode(MsgIncoming, inc))

	if !online {
		ev := events.NewPushNeeded(receiverID, sess.CallID, sess.CallerID, sess.CallType, events.PushReasonCalleeOffline)
		if err := h.bus.Publish(context.Background(), ev); err != nil {
			h.logger.Warn("publishing push-needed", "call_id", sess.CallID, "error", err)
		}
		return
	}
	if !sess.IsGroup() {
		// Online but possibly backgrounded: the app has a short window to
		// acknowledge the ring before we wake it up.
		h.startAck(sess.CallID, events.NewPushNeeded(receiverID, sess.CallID, sess.CallerID, sess.CallType, events.PushReasonNoAck))
	}
}

// joinUser adds every live connection of a user to a room.
func (h *Hub) joinUser(room, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.byUser[userID] {
		h.joinLocked(room, c)
	}
}

func (h *Hub) handleAccept(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p CallRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed accept payload")
	}

	sess, err := h.calls.GetByCallID(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(c.userID) {
		return call.E(call.KindForbidden, "not a participant of call %s", p.CallID)
	}

	switch sess.Status {
	case call.StateRinging:
		updated, uerr := h.calls.UpdateStatus(ctx, p.CallID, call.EventAccept)
		if uerr != nil {
			return uerr
		}
		if updated == nil {
			// Session vanished between the lookup and the transition.
			return call.E(call.KindNotFound, "call %s already ended", p.CallID)
		}
		sess = updated
		h.stopTimer(h.ringing, p.CallID)
		h.stopTimer(h.acks, p.CallID)
	case call.StateActive, call.StateReconnecting:
		// Late joiner on an already-answered group call.
		if !sess.IsGroup() {
			return call.E(call.KindBadInput, "call %s already answered", p.CallID)
		}
	default:
		return call.E(call.KindBadInput, "call %s is not answerable", p.CallID)
	}

	h.join(callRoom(p.CallID), c)
	if sess.IsGroup() {
		h.broadcast(callRoom(p.CallID), encode(MsgPeerJoined, ParticipantPayload{
			CallID: p.CallID,
			UserID: c.userID,
		}), c)
	} else {
		// Fresh TURN credentials so the caller can build its offer. Only the
		// caller hears about the accept on a one-to-one call.
		bundle := h.icep.ForUser(sess.CallerID)
		h.sendToUser(sess.CallerID, encode(MsgAccepted, ParticipantPayload{
			CallID: p.CallID,
			UserID: c.userID,
			ICE:    &bundle,
		}))
	}

	if sess.Provider == call.ProviderSFU {
		if err := h.sendRoomCredentials(ctx, sess, c.userID); err != nil {
			return err
		}
		// The caller needs credentials too, once someone picks up.
		if err := h.sendRoomCredentials(ctx, sess, sess.CallerID); err != nil {
			h.logger.Warn("issuing caller sfu token", "call_id", p.CallID, "error", err)
		}
	}
	return nil
}

func (h *Hub) handleReject(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p CallRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed reject payload")
	}

	sess, err := h.calls.GetByCallID(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(c.userID) || c.userID == sess.CallerID {
		return call.E(call.KindForbidden, "cannot reject call %s", p.CallID)
	}

	if sess.IsGroup() {
		// One declining receiver does not end a group call; the ringing
		// timer handles the nobody-answered case.
		h.broadcast(callRoom(p.CallID), encode(MsgPeerLeft, ParticipantPayload{
			CallID: p.CallID,
			UserID: c.userID,
		}), c)
		return h.leaveCall(ctx, sess, c.userID)
	}

	_, err = h.calls.EndCall(ctx, p.CallID, models.CallRejected, events.ReasonRejected)
	return err
}

// leaveCall frees a group receiver from the call without ending it: their
// busy index is released and their sockets drop out of the room.
func (h *Hub) leaveCall(ctx context.Context, sess *call.Session, userID string) error {
	if err := h.calls.Leave(ctx, sess.CallID, userID); err != nil {
		return err
	}
	h.leaveUser(callRoom(sess.CallID), userID)
	return nil
}

func (h *Hub) handleHangup(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p CallRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed hangup payload")
	}

	sess, err := h.calls.GetByCallID(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(c.userID) {
		return call.E(call.KindForbidden, "not a participant of call %s", p.CallID)
	}

	// A group receiver hanging up leaves; the call continues for the rest.
	if sess.IsGroup() && c.userID != sess.CallerID {
		h.broadcast(callRoom(p.CallID), encode(MsgPeerLeft, ParticipantPayload{
			CallID: p.CallID,
			UserID: c.userID,
		}), c)
		return h.leaveCall(ctx, sess, c.userID)
	}

	if sess.Status == call.StateRinging {
		if c.userID == sess.CallerID {
			_, err = h.calls.EndCall(ctx, p.CallID, models.CallCancelled, events.ReasonCancelled)
		} else {
			_, err = h.calls.EndCall(ctx, p.CallID, models.CallRejected, events.ReasonRejected)
		}
		return err
	}

	_, err = h.calls.EndGracefully(ctx, p.CallID, events.ReasonUserHangup)
	return err
}

func (h *Hub) handleRingingAck(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p CallRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed ringing-ack payload")
	}
	h.stopTimer(h.acks, p.CallID)
	return h.calls.Heartbeat(ctx, p.CallID)
}

// handleSwitchToSFU escalates a struggling peer-to-peer call onto the SFU
// and hands every participant their room credentials.
func (h *Hub) handleSwitchToSFU(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p CallRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed switch payload")
	}

	sess, err := h.calls.GetByCallID(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(c.userID) {
		return call.E(call.KindForbidden, "not a participant of call %s", p.CallID)
	}
	// Escalation rescues an established media path; a ringing call has
	// nothing to rescue yet.
	if sess.Status != call.StateActive && sess.Status != call.StateReconnecting {
		return call.E(call.KindConflict, "call %s is not established", p.CallID)
	}

	if sess.Provider != call.ProviderSFU {
		if sess, err = h.provisionRoom(ctx, sess); err != nil {
			return err
		}
	}

	for _, userID := range sess.AllUserIDs() {
		if err := h.sendRoomCredentials(ctx, sess, userID); err != nil {
			h.logger.Warn("issuing sfu token", "call_id", p.CallID, "user", userID, "error", err)
		}
	}
	return nil
}

// handleConvEnter marks the sender as actively viewing a conversation. The
// presence set drives media-progress fan-out; re-entering refreshes the TTL.
func (h *Hub) handleConvEnter(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p ConvRef
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		return call.E(call.KindBadInput, "malformed conversation payload")
	}

	h.mu.Lock()
	prev := h.convs[c]
	h.convs[c] = p.ConversationID
	h.mu.Unlock()

	if prev != "" && prev != p.ConversationID {
		if err := h.store.SRem(ctx, convKey(prev), c.userID); err != nil {
			h.logger.Warn("leaving conversation presence", "user", c.userID, "error", err)
		}
	}
	return h.store.SAdd(ctx, convKey(p.ConversationID), presenceTTL, c.userID)
}

func (h *Hub) handleConvLeave(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p ConvRef
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		return call.E(call.KindBadInput, "malformed conversation payload")
	}

	h.mu.Lock()
	if h.convs[c] == p.ConversationID {
		delete(h.convs, c)
	}
	stillViewing := false
	for other := range h.byUser[c.userID] {
		if h.convs[other] == p.ConversationID {
			stillViewing = true
			break
		}
	}
	h.mu.Unlock()

	if stillViewing {
		return nil
	}
	return h.store.SRem(ctx, convKey(p.ConversationID), c.userID)
}

func (h *Hub) handleHeartbeat(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p CallRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed heartbeat payload")
	}
	return h.calls.Heartbeat(ctx, p.CallID)
}

// relaySDP forwards offers, answers, and ICE restarts to the other
// participants verbatim, stamped with the sender.
func (h *Hub) relaySDP(ctx context.Context, c *Client, msgType string, raw json.RawMessage) error {
	var p SDPPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed %s payload", msgType)
	}

	sess, err := h.calls.GetByCallID(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(c.userID) {
		return call.E(call.KindForbidden, "not a participant of call %s", p.CallID)
	}

	if msgType == MsgICERestart {
		// Restart negotiation resets the liveness window too.
		if err := h.calls.Heartbeat(ctx, p.CallID); err != nil {
			h.logger.Warn("heartbeat on ice restart", "call_id", p.CallID, "error", err)
		}
	}

	p.FromUserID = c.userID
	h.broadcast(callRoom(p.CallID), encode(msgType, p), c)

	if msgType == MsgICERestart {
		// Echo back with fresh TURN credentials for the requester.
		bundle := h.icep.ForUser(c.userID)
		p.ICE = &bundle
		c.Send(encode(MsgICERestart, p))
	}
	return nil
}

func (h *Hub) handleCandidate(ctx context.Context, c *Client, raw json.RawMessage) error {
	var p CandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.E(call.KindBadInput, "malformed candidate payload")
	}
	if p.CallID == "" || len(p.Candidate) == 0 {
		return call.E(call.KindBadInput, "candidate payload incomplete")
	}
	h.batch.add(p.CallID, c.userID, p.Candidate)
	return nil
}

// provisionRoom creates the SFU room for a call and records it on the
// session.
func (h *Hub) provisionRoom(ctx context.Context, sess *call.Session) (*call.Session, error) {
	if h.sfuc == nil || !h.sfuc.Configured() {
		return nil, call.E(call.KindExternal, "sfu is not configured")
	}
	room, err := h.sfuc.CreateRoom(ctx, sess.CallID, len(sess.ParticipantIDs)+1)
	if err != nil {
		return nil, fmt.Errorf("creating sfu room: %w", err)
	}
	updated, err := h.calls.UpdateProvider(ctx, sess.CallID, call.ProviderSFU, room.Name)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// sendRoomCredentials issues a meeting token and delivers the sfu-ready
// frame to one participant.
func (h *Hub) sendRoomCredentials(ctx context.Context, sess *call.Session, userID string) error {
	roomName := sess.SFURoomName
	if roomName == "" {
		roomName = sfu.RoomName(sess.CallID)
	}
	token, err := h.sfuc.CreateMeetingToken(ctx, roomName, userID, userID == sess.CallerID)
	if err != nil {
		return fmt.Errorf("creating meeting token: %w", err)
	}
	h.sendToUser(userID, encode(MsgSFUReady, SFUReadyPayload{
		CallID:   sess.CallID,
		RoomName: roomName,
		RoomURL:  h.sfuc.RoomURL(roomName),
		Token:    token,
	}))
	return nil
}

// sendHostRoomCredentials delivers the caller one sfu-ready frame carrying a
// token for every party member. Minted up front so the host can admit anyone
// who joins, not just themselves.
func (h *Hub) sendHostRoomCredentials(ctx context.Context, sess *call.Session) error {
	roomName := sess.SFURoomName
	if roomName == "" {
		roomName = sfu.RoomName(sess.CallID)
	}
	tokens := make(map[string]string, len(sess.ParticipantIDs)+1)
	for _, userID := range sess.AllUserIDs() {
		token, err := h.sfuc.CreateMeetingToken(ctx, roomName, userID, userID == sess.CallerID)
		if err != nil {
			return fmt.Errorf("creating meeting token for %s: %w", userID, err)
		}
		tokens[userID] = token
	}
	h.sendToUser(sess.CallerID, encode(MsgSFUReady, SFUReadyPayload{
		CallID:   sess.CallID,
		RoomName: roomName,
		RoomURL:  h.sfuc.RoomURL(roomName),
		Token:    tokens[sess.CallerID],
		Tokens:   tokens,
	}))
	return nil
}
