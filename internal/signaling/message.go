// Package signaling is the WebSocket surface for call setup and WebRTC
// negotiation: a connection hub with per-call rooms, ringing and
// disconnect-grace timers, ICE candidate batching, and SFU escalation.
package signaling

import (
	"encoding/json"

	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/ice"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server message types. The "daily" names predate the generic SFU
// client; they stay because deployed mobile clients speak them.
const (
	MsgInitiate    = "call:initiate"
	MsgAccept      = "call:accept"
	MsgReject      = "call:reject"
	MsgHangup      = "call:hangup"
	MsgRingingAck  = "call:ringing-ack"
	MsgSwitchToSFU = "call:switch-to-daily"
	MsgHeartbeat   = "call:heartbeat"
	MsgConvEnter   = "conversation:enter"
	MsgConvLeave   = "conversation:leave"

	MsgOffer      = "call:offer"
	MsgAnswer     = "call:answer"
	MsgCandidate  = "call:ice-candidate"
	MsgICERestart = "call:ice-restart"
)

// Server-to-client message types. MsgCandidate doubles as the outbound type:
// single candidates go in, one merged batch comes out.
const (
	MsgRinging    = "call:ringing"
	MsgIncoming   = "call:incoming"
	MsgAccepted   = "call:accepted"
	MsgEnded      = "call:ended"
	MsgSFUReady   = "call:daily-room"
	MsgPeerJoined = "call:participant-joined"
	MsgPeerGone   = "call:caller-disconnected"
	MsgPeerBack   = "call:participant-reconnected"
	MsgPeerLeft   = "call:participant-left"
	MsgError      = "error"
)

// progressType names the per-attachment media progress event.
func progressType(attachmentID string) string {
	return "progress:" + attachmentID
}

// InitiatePayload starts a call. ReceiverIDs beyond CalleeID make it a
// group call.
type InitiatePayload struct {
	CalleeID       string   `json:"calleeId"`
	ReceiverIDs    []string `json:"receiverIds,omitempty"`
	CallType       string   `json:"callType"`
	ConversationID string   `json:"conversationId,omitempty"`
}

// CallRef addresses an existing call.
type CallRef struct {
	CallID string `json:"callId"`
}

// ConvRef marks the sender active (or no longer active) in a conversation.
type ConvRef struct {
	ConversationID string `json:"conversationId"`
}

// SDPPayload relays an offer, answer, or ICE restart. ICE is set only on
// the restart echo back to the requester, carrying fresh TURN credentials.
type SDPPayload struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId,omitempty"`
	SDP        json.RawMessage `json:"sdp"`
	ICE        *ice.Bundle     `json:"ice,omitempty"`
}

// CandidatePayload carries one ICE candidate inbound.
type CandidatePayload struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

// CandidateBatch carries the merged outbound candidate list.
type CandidateBatch struct {
	CallID     string            `json:"callId"`
	FromUserID string            `json:"fromUserId"`
	Candidates []json.RawMessage `json:"candidates"`
}

// RingingPayload confirms call creation to the caller.
type RingingPayload struct {
	CallID      string     `json:"callId"`
	CallType    string     `json:"callType"`
	Provider    string     `json:"provider"`
	ReceiverIDs []string   `json:"receiverIds"`
	ICE         ice.Bundle `json:"ice"`
}

// IncomingPayload announces a call to a receiver. The SFU fields are set
// for group calls so the receiver can join the room straight from the ring.
type IncomingPayload struct {
	CallID         string     `json:"callId"`
	CallerID       string     `json:"callerId"`
	CallType       string     `json:"callType"`
	Provider       string     `json:"provider"`
	ConversationID string     `json:"conversationId,omitempty"`
	ICE            ice.Bundle `json:"ice"`
	RoomName       string     `json:"roomName,omitempty"`
	RoomURL        string     `json:"roomUrl,omitempty"`
	Token          string     `json:"token,omitempty"`
}

// ParticipantPayload names a user within a call. ICE rides along on the
// accepted frame of a one-to-one call so the caller can build its offer.
type ParticipantPayload struct {
	CallID string      `json:"callId"`
	UserID string      `json:"userId"`
	ICE    *ice.Bundle `json:"ice,omitempty"`
}

// EndedPayload closes a call on every connected participant.
type EndedPayload struct {
	CallID   string `json:"callId"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Duration int    `json:"duration"`
}

// SFUReadyPayload hands a participant their room join credentials. Tokens is
// set only on the caller's frame at group initiate: one admission token per
// party member, keyed by user ID.
type SFUReadyPayload struct {
	CallID   string            `json:"callId"`
	RoomName string            `json:"roomName"`
	RoomURL  string            `json:"roomUrl"`
	Token    string            `json:"token"`
	Tokens   map[string]string `json:"tokens,omitempty"`
}

// MediaProgressPayload mirrors an attachment's processing progress onto the
// uploader's devices and active conversation viewers.
type MediaProgressPayload struct {
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	ThumbnailURL   string `json:"thumbnailUrl,omitempty"`
	OptimizedURL   string `json:"optimizedUrl,omitempty"`
	HLSPlaylistURL string `json:"hlsPlaylistUrl,omitempty"`
	CDNURL         string `json:"cdnUrl,omitempty"`
	Error          string `json:"error,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// ErrorPayload reports a failed request. Codes are stable; messages are not.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode maps error kinds onto wire codes.
func errorCode(err error) string {
	switch call.KindOf(err) {
	case call.KindUnauthenticated:
		return "UNAUTHENTICATED"
	case call.KindBadInput:
		return "BAD_INPUT"
	case call.KindConflict:
		return "BUSY"
	case call.KindForbidden:
		return "FORBIDDEN"
	case call.KindNotFound:
		return "NOT_FOUND"
	case call.KindTimeout:
		return "TIMEOUT"
	case call.KindValidation:
		return "VALIDATION_FAILED"
	case call.KindExternal:
		return "UPSTREAM_FAILED"
	default:
		return "INTERNAL"
	}
}

// encode frames a typed payload; marshalling the protocol's own types
// cannot fail.
func encode(msgType string, payload any) []byte {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(Envelope{Type: msgType, Payload: raw})
	return data
}
