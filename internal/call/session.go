package call

import (
	"time"
)

// Call types.
const (
	TypeVoice = "voice"
	TypeVideo = "video"
)

// Providers.
const (
	ProviderP2P = "p2p"
	ProviderSFU = "sfu"
)

// Cache TTLs and bounds.
const (
	// SessionTTL covers the session key and every user-index key; it is
	// refreshed on heartbeat, ICE restart, and ringing-ack.
	SessionTTL = 5 * time.Minute

	// EndLockTTL bounds the finalizer's critical section.
	EndLockTTL = 5 * time.Second

	// ResultTTL keeps the finalized response around for concurrent enders.
	ResultTTL = 10 * time.Second

	// ResultWait is how long a losing ender polls for the winner's result.
	ResultWait = 3 * time.Second

	// ResultPollInterval paces the result polling loop.
	ResultPollInterval = 100 * time.Millisecond

	// MissedCountTTL is the short-lived missed-badge count cache.
	MissedCountTTL = 30 * time.Second

	// ViewedAtTTL is how long a user's last-viewed marker survives.
	ViewedAtTTL = 90 * 24 * time.Hour

	// MaxCallDuration clamps finalized durations.
	MaxCallDuration = 24 * time.Hour
)

// Cache key layout. All live-call state shares these keys across processes.
func sessionKey(callID string) string { return "call:session:" + callID }
func userKey(userID string) string    { return "call:user:" + userID + ":current" }
func endLockKey(callID string) string { return "call:end_lock:" + callID }
func resultKey(callID string) string  { return "call:result:" + callID }
func missedKey(userID string) string  { return "call:missed:count:" + userID }
func viewedKey(userID string) string  { return "call:missed:viewed_at:" + userID }

// Session is the ephemeral record of an in-flight call. It lives only in
// the cache and is destroyed when the finalizer persists the call history.
type Session struct {
	CallID         string    `json:"callId"`
	CallerID       string    `json:"callerId"`
	CalleeID       string    `json:"calleeId"` // primary callee
	ParticipantIDs []string  `json:"participantIds"`
	CallType       string    `json:"callType"`
	Provider       string    `json:"provider"`
	ConversationID string    `json:"conversationId,omitempty"`
	SFURoomName    string    `json:"sfuRoomName,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	// ConnectedAt is set when the first accept lands. Billed duration runs
	// from here, not from StartedAt; a call that never connects has none.
	ConnectedAt time.Time `json:"connectedAt"`
	Status      State     `json:"status"`
}

// IsGroup reports whether the call has more than one receiver.
func (s *Session) IsGroup() bool { return len(s.ParticipantIDs) > 1 }

// AllUserIDs returns the caller followed by every receiver.
func (s *Session) AllUserIDs() []string {
	out := make([]string, 0, len(s.ParticipantIDs)+1)
	out = append(out, s.CallerID)
	out = append(out, s.ParticipantIDs...)
	return out
}

// HasParticipant reports whether userID is the caller or a receiver.
func (s *Session) HasParticipant(userID string) bool {
	if userID == s.CallerID {
		return true
	}
	for _, id := range s.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
