package models

import (
	"path"
	"strings"
	"time"
)

// Terminal call statuses.
const (
	CallCompleted = "completed"
	CallMissed    = "missed"
	CallNoAnswer  = "no-answer"
	CallRejected  = "rejected"
	CallCancelled = "cancelled"
)

// Participant roles.
const (
	RoleHost   = "host"
	RoleMember = "member"
)

// Participant statuses.
const (
	ParticipantJoined   = "joined"
	ParticipantMissed   = "missed"
	ParticipantRejected = "rejected"
	ParticipantLeft     = "left"
)

// CallRecord is the durable record of a finished call.
type CallRecord struct {
	ID               string
	InitiatorID      string
	ParticipantCount int
	CallType         string // "voice" | "video"
	Provider         string // "p2p" | "sfu"
	ConversationID   string
	Status           string // terminal status
	Duration         int    // seconds, clamped to [0, 24h]
	StartedAt        time.Time
	EndedAt          time.Time
	EndReason        string
	DeletedAt        *time.Time
	CreatedAt        time.Time
}

// CallParticipant is one user's row under a CallRecord. Exactly one row per
// record carries RoleHost.
type CallParticipant struct {
	ID       int64
	CallID   string
	UserID   string
	Role     string
	Status   string
	JoinedAt *time.Time
	LeftAt   *time.Time
}

// Attachment processing statuses. The status only moves forward except into
// failed/expired.
const (
	MediaPending    = "pending"
	MediaUploaded   = "uploaded"
	MediaProcessing = "processing"
	MediaReady      = "ready"
	MediaFailed     = "failed"
	MediaExpired    = "expired"
)

// Media types.
const (
	MediaTypeImage    = "image"
	MediaTypeVideo    = "video"
	MediaTypeAudio    = "audio"
	MediaTypeDocument = "document"
)

// MediaAttachment tracks one upload through the processing pipeline.
// KeyTemp and Key are mutually exclusive once the atomic move completes.
type MediaAttachment struct {
	ID               string
	UploadID         string
	UploaderID       string
	ConversationID   string
	OriginalName     string
	MimeType         string
	MediaType        string
	Size             int64
	KeyTemp          string // object key in the temp area
	Key              string // permanent object key, set after the move
	CDNURL           string
	ThumbnailURL     string
	OptimizedURL     string
	HLSPlaylistURL   string
	ProcessingStatus string
	ProcessingError  string
	RetryCount       int
	MessageID        string
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BlobKeys returns every object key derivable from the row, for purging.
// TODO: HLS segment files are not derivable from the row and need a listing
// API on the blob store to purge.
func (m *MediaAttachment) BlobKeys() []string {
	var keys []string
	if m.KeyTemp != "" {
		keys = append(keys, m.KeyTemp)
	}
	if m.Key == "" {
		return keys
	}
	keys = append(keys, m.Key)
	base := strings.TrimSuffix(m.Key, path.Ext(m.Key))
	if m.ThumbnailURL != "" {
		keys = append(keys, base+"_thumb.jpg")
	}
	if m.OptimizedURL != "" {
		keys = append(keys, base+"_opt.jpg")
	}
	if m.HLSPlaylistURL != "" {
		keys = append(keys, base+"_hls/index.m3u8")
	}
	return keys
}

// StoredEvent is a row in the durable event log, unique by event ID.
type StoredEvent struct {
	EventID       string
	EventType     string
	Version       int
	Source        string
	AggregateID   string
	CorrelationID string
	Payload       string // JSON
	OccurredAt    time.Time
	StoredAt      time.Time
}

// Ledger statuses for processed events.
const (
	LedgerSucceeded = "succeeded"
	LedgerFailed    = "failed"
)

// ProcessedEvent is the idempotency ledger entry for one (event, handler)
// pair.
type ProcessedEvent struct {
	EventID     string
	Handler     string
	Status      string
	LastError   string
	ProcessedAt time.Time
}

// PushToken is a registered device token used for call wake-up pushes.
type PushToken struct {
	ID         int64
	UserID     string
	Token      string
	Platform   string // "fcm" | "apns"
	DeviceID   string
	AppVersion string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
