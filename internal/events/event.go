// Package events is the domain-event substrate: a versioned event base, an
// in-process bus with synchronous fan-out, and an upgrade/downgrade registry
// that lets producers and consumers evolve event shapes independently.
//
// Cross-domain coupling goes through this package only; no feature module
// imports another's service type.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names. A topic carries exactly one event type.
const (
	TopicCallInitiated  = "call.initiated"
	TopicCallEnded      = "call.ended"
	TopicCallPushNeeded = "call.push-needed"

	TopicUserBlocked    = "user.blocked"
	TopicUserUnblocked  = "user.unblocked"
	TopicPrivacyUpdated = "privacy.updated"

	TopicFriendRequested = "friendship.requested"
	TopicFriendAccepted  = "friendship.accepted"
	TopicFriendRemoved   = "friendship.removed"

	TopicMediaUploaded  = "media.uploaded"
	TopicMediaProcessed = "media.processed"
	TopicMediaFailed    = "media.failed"
	TopicMediaDeleted   = "media.deleted"
)

// Event is a versioned, immutable domain event. The event ID doubles as the
// idempotency key for every side-effecting handler.
type Event interface {
	EventID() string
	EventType() string
	EventVersion() int
	OccurredAt() time.Time
	EventSource() string
	EventAggregateID() string
	Validate() error
}

// Base carries the attributes shared by every domain event. Embed it by
// value and construct it with NewBase.
type Base struct {
	ID            string    `json:"eventId"`
	Type          string    `json:"eventType"`
	Version       int       `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	AggregateID   string    `json:"aggregateId"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBase allocates a fresh event ID and stamps the event.
func NewBase(eventType, source, aggregateID string, version int) Base {
	return Base{
		ID:          uuid.NewString(),
		Type:        eventType,
		Version:     version,
		Timestamp:   time.Now().UTC(),
		Source:      source,
		AggregateID: aggregateID,
	}
}

func (b Base) EventID() string          { return b.ID }
func (b Base) EventType() string        { return b.Type }
func (b Base) EventVersion() int        { return b.Version }
func (b Base) OccurredAt() time.Time    { return b.Timestamp }
func (b Base) EventSource() string      { return b.Source }
func (b Base) EventAggregateID() string { return b.AggregateID }

// Validate checks the invariants every event must satisfy.
func (b Base) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("event %s: missing event id", b.Type)
	}
	if _, err := uuid.Parse(b.ID); err != nil {
		return fmt.Errorf("event %s: event id is not a uuid: %w", b.Type, err)
	}
	if b.Type == "" {
		return fmt.Errorf("event: missing event type")
	}
	if b.Version < 1 {
		return fmt.Errorf("event %s: version must be >= 1, got %d", b.Type, b.Version)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("event %s: missing timestamp", b.Type)
	}
	if b.Source == "" {
		return fmt.Errorf("event %s: missing source", b.Type)
	}
	return nil
}
