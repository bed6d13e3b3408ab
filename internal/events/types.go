package events

import "fmt"

// Current versions of each event shape. Bump together with a registered
// upgrade path in registry.go.
const (
	CallInitiatedVersion = 1
	CallEndedVersion     = 2
	PushNeededVersion    = 1
	UserBlockedVersion   = 1
	MediaEventVersion    = 1
)

// Sources identify the emitting module.
const (
	SourceCall  = "call"
	SourceMedia = "media"
	SourceUser  = "user"
)

// CallInitiated is emitted when a session is created, before ringing.
type CallInitiated struct {
	Base
	CallID         string   `json:"callId"`
	CallType       string   `json:"callType"` // voice | video
	CallerID       string   `json:"callerId"`
	ReceiverIDs    []string `json:"receiverIds"`
	ConversationID string   `json:"conversationId,omitempty"`
	Provider       string   `json:"provider"` // p2p | sfu
}

// NewCallInitiated builds a v1 call.initiated event.
func NewCallInitiated(callID, callType, callerID string, receiverIDs []string, conversationID, provider string) CallInitiated {
	return CallInitiated{
		Base:           NewBase(TopicCallInitiated, SourceCall, callID, CallInitiatedVersion),
		CallID:         callID,
		CallType:       callType,
		CallerID:       callerID,
		ReceiverIDs:    receiverIDs,
		ConversationID: conversationID,
		Provider:       provider,
	}
}

func (e CallInitiated) Validate() error {
	if err := e.Base.Validate(); err != nil {
		return err
	}
	if e.CallID == "" || e.CallerID == "" {
		return fmt.Errorf("call.initiated: callId and callerId are required")
	}
	if len(e.ReceiverIDs) == 0 {
		return fmt.Errorf("call.initiated: at least one receiver is required")
	}
	return nil
}

// End reasons carried on call.ended.
const (
	ReasonUserHangup  = "USER_HANGUP"
	ReasonRejected    = "REJECTED"
	ReasonTimeout     = "TIMEOUT"
	ReasonCancelled   = "CANCELLED"
	ReasonNetworkDrop = "NETWORK_DROP"
	ReasonBlocked     = "BLOCKED"
	ReasonFailed      = "FAILED"
)

// CallEnded is emitted exactly once per finalized call, by the finalizer.
// Version history: v1 carried a single receiverId and no provider; v2 carries
// the full receiver list and the serving provider.
type CallEnded struct {
	Base
	CallID          string   `json:"callId"`
	CallType        string   `json:"callType"`
	InitiatorID     string   `json:"initiatorId"`
	ReceiverIDs     []string `json:"receiverIds"`
	ConversationID  string   `json:"conversationId,omitempty"`
	Status          string   `json:"status"` // terminal call status
	Reason          string   `json:"reason"`
	Provider        string   `json:"provider"`
	DurationSeconds int      `json:"duration"`
}

// NewCallEnded builds a v2 call.ended event.
func NewCallEnded(callID, callType, initiatorID string, receiverIDs []string, conversationID, status, reason, provider string, durationSeconds int) CallEnded {
	return CallEnded{
		Base:            NewBase(TopicCallEnded, SourceCall, callID, CallEndedVersion),
		CallID:          callID,
		CallType:        callType,
		InitiatorID:     initiatorID,
		ReceiverIDs:     receiverIDs,
		ConversationID:  conversationID,
		Status:          status,
		Reason:          reason,
		Provider:        provider,
		DurationSeconds: durationSeconds,
	}
}

func (e CallEnded) Validate() error {
	if err := e.Base.Validate(); err != nil {
		return err
	}
	if e.CallID == "" || e.InitiatorID == "" {
		return fmt.Errorf("call.ended: callId and initiatorId are required")
	}
	if e.Status == "" {
		return fmt.Errorf("call.ended: terminal status is required")
	}
	if e.DurationSeconds < 0 {
		return fmt.Errorf("call.ended: duration must be non-negative, got %d", e.DurationSeconds)
	}
	return nil
}

// Push-needed reasons.
const (
	PushReasonNoAck         = "NO_RINGING_ACK"
	PushReasonCalleeOffline = "CALLEE_OFFLINE"
)

// PushNeeded asks the push layer to wake a receiver whose socket did not
// acknowledge the incoming call.
type PushNeeded struct {
	Base
	UserID   string `json:"userId"`
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	CallType string `json:"callType"`
	Reason   string `json:"reason"`
}

// NewPushNeeded builds a call.push-needed event.
func NewPushNeeded(userID, callID, callerID, callType, reason string) PushNeeded {
	return PushNeeded{
		Base:     NewBase(TopicCallPushNeeded, SourceCall, callID, PushNeededVersion),
		UserID:   userID,
		CallID:   callID,
		CallerID: callerID,
		CallType: callType,
		Reason:   reason,
	}
}

func (e PushNeeded) Validate() error {
	if err := e.Base.Validate(); err != nil {
		return err
	}
	if e.UserID == "" || e.CallID == "" {
		return fmt.Errorf("call.push-needed: userId and callId are required")
	}
	return nil
}

// UserBlocked is consumed by the call domain to tear down any live call
// between the two users.
type UserBlocked struct {
	Base
	BlockerID string `json:"blockerId"`
	BlockedID string `json:"blockedId"`
}

// NewUserBlocked builds a user.blocked event.
func NewUserBlocked(blockerID, blockedID string) UserBlocked {
	return UserBlocked{
		Base:      NewBase(TopicUserBlocked, SourceUser, blockerID, UserBlockedVersion),
		BlockerID: blockerID,
		BlockedID: blockedID,
	}
}

func (e UserBlocked) Validate() error {
	if err := e.Base.Validate(); err != nil {
		return err
	}
	if e.BlockerID == "" || e.BlockedID == "" {
		return fmt.Errorf("user.blocked: blockerId and blockedId are required")
	}
	return nil
}

// MediaEvent covers media.uploaded, media.processed, media.failed and
// media.deleted; the topic in Base.Type distinguishes them. Status, Progress
// and the rendition URLs feed the client progress frames, so a consumer
// never needs a follow-up fetch.
type MediaEvent struct {
	Base
	AttachmentID   string `json:"attachmentId"`
	UploaderID     string `json:"uploaderId"`
	ConversationID string `json:"conversationId,omitempty"`
	MediaType      string `json:"mediaType"`
	MessageID      string `json:"messageId,omitempty"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	ThumbnailURL   string `json:"thumbnailUrl,omitempty"`
	OptimizedURL   string `json:"optimizedUrl,omitempty"`
	HLSPlaylistURL string `json:"hlsPlaylistUrl,omitempty"`
	CDNURL         string `json:"cdnUrl,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NewMediaEvent stamps a media lifecycle event with its base fields. The
// caller fills everything but Base.
func NewMediaEvent(topic string, e MediaEvent) MediaEvent {
	e.Base = NewBase(topic, SourceMedia, e.AttachmentID, MediaEventVersion)
	return e
}

func (e MediaEvent) Validate() error {
	if err := e.Base.Validate(); err != nil {
		return err
	}
	if e.AttachmentID == "" {
		return fmt.Errorf("%s: attachmentId is required", e.Type)
	}
	return nil
}
