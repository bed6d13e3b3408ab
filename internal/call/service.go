// Package call implements the call-history core: active-session lifecycle in
// the shared cache, the pure signaling state machine, and the lock-guarded
// finalizer that turns a live session into a durable history record.
package call

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parleo/parleo/internal/cache"
	"github.com/parleo/parleo/internal/clock"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
)

// HistoryResponse is what every ender of a call observes, whether it ran the
// finalizer or read the winner's cached result.
type HistoryResponse struct {
	CallID         string    `json:"callId"`
	CallType       string    `json:"callType"`
	InitiatorID    string    `json:"initiatorId"`
	ReceiverIDs    []string  `json:"receiverIds"`
	ConversationID string    `json:"conversationId,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Provider       string    `json:"provider"`
	Duration       int       `json:"duration"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
}

// Service is the call-history core. The cache is the only cross-process
// state for live calls; the relational store holds finished ones.
type Service struct {
	cache   cache.Store
	history database.CallHistoryRepository
	bus     *events.Bus
	clk     clock.Clock
	logger  *slog.Logger

	// active is a per-process gauge for metrics; the cache remains the
	// authoritative busy check.
	active atomic.Int64

	statsMu      sync.Mutex
	finalized    map[string]int64
	lockMismatch atomic.Int64
}

// NewService wires the call-history core.
func NewService(c cache.Store, history database.CallHistoryRepository, bus *events.Bus, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		cache:   c,
		history: history,
		bus:     bus,
		clk:     clk,
		logger:  logger.With("subsystem", "call"),
	}
}

// StartCall creates a session for callerID calling calleeID plus any extra
// receivers. Receivers are deduplicated and the caller excluded; a call with
// more than one receiver is forced onto the SFU. Fails with conflict if any
// party already has an active session.
func (s *Service) StartCall(ctx context.Context, callerID, calleeID, callType, provider, conversationID string, extraReceivers []string) (*Session, error) {
	if callType != TypeVoice && callType != TypeVideo {
		return nil, E(KindBadInput, "unknown call type %q", callType)
	}
	if provider != ProviderP2P && provider != ProviderSFU {
		return nil, E(KindBadInput, "unknown provider %q", provider)
	}

	receivers := dedupeReceivers(callerID, calleeID, extraReceivers)
	if len(receivers) == 0 {
		return nil, E(KindBadInput, "call needs at least one receiver other than the caller")
	}

	// Busy check precedes the index writes: the per-user index is the
	// authoritative guard against double calls.
	for _, userID := range append([]string{callerID}, receivers...) {
		if _, err := s.cache.Get(ctx, userKey(userID)); err == nil {
			return nil, E(KindConflict, "user %s is already in a call", userID)
		} else if !errors.Is(err, cache.ErrMiss) {
			return nil, Wrap(KindInternal, err, "checking busy state")
		}
	}

	if len(receivers) > 1 {
		provider = ProviderSFU
	}

	sess := &Session{
		CallID:         uuid.NewString(),
		CallerID:       callerID,
		CalleeID:       receivers[0],
		ParticipantIDs: receivers,
		CallType:       callType,
		Provider:       provider,
		ConversationID: conversationID,
		StartedAt:      s.clk.Now().UTC(),
		Status:         StateRinging,
	}

	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	for _, userID := range sess.AllUserIDs() {
		if err := s.cache.Set(ctx, userKey(userID), sess.CallID, SessionTTL); err != nil {
			return nil, Wrap(KindInternal, err, "writing user index")
		}
	}

	s.active.Add(1)

	if err := s.bus.Publish(ctx, events.NewCallInitiated(
		sess.CallID, sess.CallType, sess.CallerID, sess.ParticipantIDs,
		sess.ConversationID, sess.Provider,
	)); err != nil {
		s.logger.Warn("publishing call.initiated", "call_id", sess.CallID, "error", err)
	}

	s.logger.Info("call started",
		"call_id", sess.CallID,
		"caller", callerID,
		"receivers", len(receivers),
		"type", callType,
		"provider", sess.Provider,
	)
	return sess, nil
}

// UpdateStatus applies a state-machine event to the session and refreshes
// its TTL. A missing session is a silent no-op (the call raced its end).
func (s *Service) UpdateStatus(ctx context.Context, callID string, ev EventType) (*Session, error) {
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	next, err := Next(sess.Status, ev)
	if err != nil {
		return nil, err
	}
	sess.Status = next
	if ev == EventAccept && sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = s.clk.Now().UTC()
	}

	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	s.refreshIndexes(ctx, sess)
	return sess, nil
}

// UpdateProvider replaces the provider and optionally stores the SFU room
// name, refreshing the TTL.
func (s *Service) UpdateProvider(ctx context.Context, callID, provider, roomName string) (*Session, error) {
	if provider != ProviderP2P && provider != ProviderSFU {
		return nil, E(KindBadInput, "unknown provider %q", provider)
	}
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	sess.Provider = provider
	if roomName != "" {
		sess.SFURoomName = roomName
	}
	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	s.refreshIndexes(ctx, sess)
	return sess, nil
}

// Heartbeat extends the session and index TTLs. No effect if the session is
// gone.
func (s *Service) Heartbeat(ctx context.Context, callID string) error {
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil
		}
		return err
	}
	if _, err := s.cache.Expire(ctx, sessionKey(callID), SessionTTL); err != nil {
		return Wrap(KindInternal, err, "refreshing session ttl")
	}
	s.refreshIndexes(ctx, sess)
	return nil
}

// GetByCallID returns the active session for a call, or not-found.
func (s *Service) GetByCallID(ctx context.Context, callID string) (*Session, error) {
	return s.loadSession(ctx, callID)
}

// GetByUserID returns the active session a user is part of, or not-found.
func (s *Service) GetByUserID(ctx context.Context, userID string) (*Session, error) {
	callID, err := s.cache.Get(ctx, userKey(userID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, E(KindNotFound, "no active call for user %s", userID)
		}
		return nil, Wrap(KindInternal, err, "reading user index")
	}
	return s.loadSession(ctx, callID)
}

// TerminateBetween tears down a live call shared by two users, if any.
// Used on block: the session is deleted without a history record and a
// call.ended with reason BLOCKED and zero duration is emitted.
func (s *Service) TerminateBetween(ctx context.Context, userA, userB string) error {
	sess, err := s.GetByUserID(ctx, userA)
	if err != nil {
		if KindOf(err) == KindNotFound {
			sess, err = s.GetByUserID(ctx, userB)
		}
		if err != nil {
			if KindOf(err) == KindNotFound {
				return nil
			}
			return err
		}
	}
	if !sess.HasParticipant(userA) || !sess.HasParticipant(userB) {
		return nil
	}

	keys := []string{sessionKey(sess.CallID)}
	for _, userID := range sess.AllUserIDs() {
		keys = append(keys, userKey(userID))
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		return Wrap(KindInternal, err, "deleting blocked session")
	}
	s.active.Add(-1)

	if err := s.bus.Publish(ctx, events.NewCallEnded(
		sess.CallID, sess.CallType, sess.CallerID, sess.ParticipantIDs,
		sess.ConversationID, models.CallCancelled, events.ReasonBlocked,
		sess.Provider, 0,
	)); err != nil {
		s.logger.Warn("publishing call.ended for block", "call_id", sess.CallID, "error", err)
	}

	s.logger.Info("call terminated by block", "call_id", sess.CallID)
	return nil
}

// Leave releases a receiver's busy index without ending the call. Group
// receivers use it when declining or exiting a call that continues; the
// host cannot leave, only end.
func (s *Service) Leave(ctx context.Context, callID, userID string) error {
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil
		}
		return err
	}
	if userID == sess.CallerID {
		return E(KindBadInput, "host cannot leave call %s", callID)
	}
	if !sess.HasParticipant(userID) {
		return E(KindForbidden, "user %s is not in call %s", userID, callID)
	}
	if err := s.cache.Del(ctx, userKey(userID)); err != nil {
		return Wrap(KindInternal, err, "releasing user index")
	}
	return nil
}

// EndCall finalizes a call with an explicit terminal status. This is the
// only path that persists a call; concurrent enders are serialized by the
// per-call end lock and all observe the same response.
func (s *Service) EndCall(ctx context.Context, callID, status, reason string) (*HistoryResponse, error) {
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			// Orphan path: the session is gone but a concurrent finalizer
			// may have cached its result, or may still hold the end lock.
			if resp, rerr := s.cachedResult(ctx, callID); rerr == nil {
				return resp, nil
			}
			if _, lerr := s.cache.Get(ctx, endLockKey(callID)); lerr == nil {
				return s.waitForResult(ctx, callID)
			}
			return nil, err
		}
		return nil, err
	}
	return s.finalize(ctx, sess, status, reason)
}

// WasParticipant reports whether the user took part in an already-finalized
// call. Reads of a finalized result are gated on it once the live session is
// gone.
func (s *Service) WasParticipant(ctx context.Context, callID, userID string) (bool, error) {
	_, parts, err := s.history.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, E(KindNotFound, "no finalized call %s", callID)
		}
		return false, Wrap(KindInternal, err, "loading finalized call")
	}
	for _, p := range parts {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// EndGracefully finalizes a call whose terminal status is derived from its
// current state: a connected call completes, an unanswered ring becomes
// no-answer (on timeout) or missed, anything else is cancelled. Used on
// disconnect-grace expiry and ringing timeout. Missing session is a no-op.
func (s *Service) EndGracefully(ctx context.Context, callID, reason string) (*HistoryResponse, error) {
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	var status string
	switch {
	case sess.Status == StateActive || sess.Status == StateReconnecting:
		status = models.CallCompleted
	case sess.Status == StateRinging && reason == events.ReasonTimeout:
		status = models.CallNoAnswer
	case sess.Status == StateRinging:
		status = models.CallMissed
	default:
		status = models.CallCancelled
	}

	return s.finalize(ctx, sess, status, reason)
}

// CleanupUserSessions gracefully ends the call referenced by a user's
// index. Used on logout and full disconnect.
func (s *Service) CleanupUserSessions(ctx context.Context, userID string) error {
	callID, err := s.cache.Get(ctx, userKey(userID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil
		}
		return Wrap(KindInternal, err, "reading user index")
	}
	_, err = s.EndGracefully(ctx, callID, events.ReasonNetworkDrop)
	return err
}

// History lists a user's finalized calls, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]models.CallRecord, error) {
	recs, err := s.history.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, Wrap(KindInternal, err, "listing call history")
	}
	return recs, nil
}

// MissedCount returns the number of missed calls that arrived after the
// user's last badge view. The value is cached briefly.
func (s *Service) MissedCount(ctx context.Context, userID string) (int, error) {
	if cached, err := s.cache.Get(ctx, missedKey(userID)); err == nil {
		var n int
		if json.Unmarshal([]byte(cached), &n) == nil {
			return n, nil
		}
	}

	since := time.Time{}
	if viewed, err := s.cache.Get(ctx, viewedKey(userID)); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, viewed); perr == nil {
			since = t
		}
	}

	count, err := s.history.CountMissedSince(ctx, userID, since)
	if err != nil {
		return 0, Wrap(KindInternal, err, "counting missed calls")
	}

	if err := s.cache.Set(ctx, missedKey(userID), fmt.Sprintf("%d", count), MissedCountTTL); err != nil {
		s.logger.Warn("caching missed count", "user", userID, "error", err)
	}
	return count, nil
}

// MarkViewed records now as the user's last badge view and invalidates the
// count cache.
func (s *Service) MarkViewed(ctx context.Context, userID string) error {
	now := s.clk.Now().UTC().Format(time.RFC3339Nano)
	if err := s.cache.Set(ctx, viewedKey(userID), now, ViewedAtTTL); err != nil {
		return Wrap(KindInternal, err, "writing viewed marker")
	}
	if err := s.cache.Del(ctx, missedKey(userID)); err != nil {
		return Wrap(KindInternal, err, "invalidating missed count")
	}
	return nil
}

// ActiveCallCount reports the per-process active call gauge.
func (s *Service) ActiveCallCount() int {
	return int(s.active.Load())
}

// FinalizedByStatus returns a snapshot of per-status finalize counts for
// this process.
func (s *Service) FinalizedByStatus() map[string]int64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make(map[string]int64, len(s.finalized))
	for status, n := range s.finalized {
		out[status] = n
	}
	return out
}

// LockMismatchCount reports how many times the end lock expired before the
// finalizer released it.
func (s *Service) LockMismatchCount() int64 {
	return s.lockMismatch.Load()
}

func (s *Service) countFinalized(status string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.finalized == nil {
		s.finalized = make(map[string]int64)
	}
	s.finalized[status]++
}

// finalize runs the locked critical section: persist the record and its
// participants, drop every cache key, invalidate missed badges, emit
// call.ended, and cache the response for concurrent enders.
func (s *Service) finalize(ctx context.Context, sess *Session, status, reason string) (*HistoryResponse, error) {
	token := uuid.NewString()
	acquired, err := s.cache.SetNX(ctx, endLockKey(sess.CallID), token, EndLockTTL)
	if err != nil {
		return nil, Wrap(KindInternal, err, "acquiring end lock")
	}
	if !acquired {
		return s.waitForResult(ctx, sess.CallID)
	}

	// Re-read under the lock: a concurrent ender may have finalized between
	// our session load and the lock acquisition.
	fresh, err := s.loadSession(ctx, sess.CallID)
	if err != nil {
		s.releaseLock(ctx, sess.CallID, token)
		if KindOf(err) == KindNotFound {
			return s.cachedResult(ctx, sess.CallID)
		}
		return nil, err
	}
	sess = fresh

	now := s.clk.Now().UTC()
	duration := s.connectedDuration(sess)
	hostStatus, receiverStatus := participantStatuses(status)

	rec := &models.CallRecord{
		ID:               sess.CallID,
		InitiatorID:      sess.CallerID,
		ParticipantCount: len(sess.ParticipantIDs) + 1,
		CallType:         sess.CallType,
		Provider:         sess.Provider,
		ConversationID:   sess.ConversationID,
		Status:           status,
		Duration:         duration,
		StartedAt:        sess.StartedAt,
		EndedAt:          now,
		EndReason:        reason,
	}

	joinedAt := sess.StartedAt
	if !sess.ConnectedAt.IsZero() {
		joinedAt = sess.ConnectedAt
	}
	parts := make([]models.CallParticipant, 0, len(sess.ParticipantIDs)+1)
	parts = append(parts, participantRow(sess.CallerID, models.RoleHost, hostStatus, joinedAt, now))
	for _, userID := range sess.ParticipantIDs {
		parts = append(parts, participantRow(userID, models.RoleMember, receiverStatus, joinedAt, now))
	}

	if err := s.history.CreateWithParticipants(ctx, rec, parts); err != nil {
		s.releaseLock(ctx, sess.CallID, token)
		return nil, Wrap(KindInternal, err, "persisting call history")
	}

	keys := []string{sessionKey(sess.CallID)}
	for _, userID := range sess.AllUserIDs() {
		keys = append(keys, userKey(userID))
	}
	if receiverStatus == models.ParticipantMissed {
		for _, userID := range sess.ParticipantIDs {
			keys = append(keys, missedKey(userID))
		}
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Error("deleting session keys after finalize", "call_id", sess.CallID, "error", err)
	}
	s.active.Add(-1)
	s.countFinalized(status)

	resp := &HistoryResponse{
		CallID:         sess.CallID,
		CallType:       sess.CallType,
		InitiatorID:    sess.CallerID,
		ReceiverIDs:    sess.ParticipantIDs,
		ConversationID: sess.ConversationID,
		Status:         status,
		Reason:         reason,
		Provider:       sess.Provider,
		Duration:       duration,
		StartedAt:      sess.StartedAt,
		EndedAt:        now,
	}

	if err := s.bus.Publish(ctx, events.NewCallEnded(
		sess.CallID, sess.CallType, sess.CallerID, sess.ParticipantIDs,
		sess.ConversationID, status, reason, sess.Provider, duration,
	)); err != nil {
		s.logger.Warn("publishing call.ended", "call_id", sess.CallID, "error", err)
	}

	if data, err := json.Marshal(resp); err == nil {
		if err := s.cache.Set(ctx, resultKey(sess.CallID), string(data), ResultTTL); err != nil {
			s.logger.Warn("caching finalize result", "call_id", sess.CallID, "error", err)
		}
	}

	s.releaseLock(ctx, sess.CallID, token)

	s.logger.Info("call finalized",
		"call_id", sess.CallID,
		"status", status,
		"reason", reason,
		"duration", duration,
	)
	return resp, nil
}

// releaseLock frees the end lock only if we still hold it. A mismatch means
// the TTL lapsed mid-finalization and another ender may be running; that is
// surfaced rather than silently deleting their lock.
func (s *Service) releaseLock(ctx context.Context, callID, token string) {
	released, err := s.cache.DelIfEquals(ctx, endLockKey(callID), token)
	if err != nil {
		s.logger.Error("releasing end lock", "call_id", callID, "error", err)
		return
	}
	if !released {
		s.lockMismatch.Add(1)
		s.logger.Warn("end lock token mismatch, lock expired during finalization", "call_id", callID)
	}
}

// waitForResult polls the result cache for up to ResultWait, returning the
// winning finalizer's response or a timeout error.
func (s *Service) waitForResult(ctx context.Context, callID string) (*HistoryResponse, error) {
	deadline := time.NewTimer(ResultWait)
	defer deadline.Stop()
	tick := time.NewTicker(ResultPollInterval)
	defer tick.Stop()

	for {
		if resp, err := s.cachedResult(ctx, callID); err == nil {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, Wrap(KindTimeout, ctx.Err(), "waiting for concurrent finalizer")
		case <-deadline.C:
			return nil, E(KindTimeout, "timed out waiting for call %s to finalize", callID)
		case <-tick.C:
		}
	}
}

func (s *Service) cachedResult(ctx context.Context, callID string) (*HistoryResponse, error) {
	data, err := s.cache.Get(ctx, resultKey(callID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, E(KindNotFound, "no finalized result for call %s", callID)
		}
		return nil, Wrap(KindInternal, err, "reading result cache")
	}
	var resp HistoryResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, Wrap(KindInternal, err, "decoding cached result")
	}
	return &resp, nil
}

func (s *Service) loadSession(ctx context.Context, callID string) (*Session, error) {
	data, err := s.cache.Get(ctx, sessionKey(callID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, E(KindNotFound, "no active session for call %s", callID)
		}
		return nil, Wrap(KindInternal, err, "reading session")
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, Wrap(KindInternal, err, "decoding session")
	}
	return &sess, nil
}

func (s *Service) saveSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return Wrap(KindInternal, err, "encoding session")
	}
	if err := s.cache.Set(ctx, sessionKey(sess.CallID), string(data), SessionTTL); err != nil {
		return Wrap(KindInternal, err, "writing session")
	}
	return nil
}

// refreshIndexes extends the user-index TTLs to match the session's.
func (s *Service) refreshIndexes(ctx context.Context, sess *Session) {
	for _, userID := range sess.AllUserIDs() {
		if _, err := s.cache.Expire(ctx, userKey(userID), SessionTTL); err != nil {
			s.logger.Warn("refreshing user index ttl", "user", userID, "error", err)
		}
	}
}

// connectedDuration is the billed call length in seconds: accept to now,
// clamped. Ring time never counts, and a call that never connected is zero.
func (s *Service) connectedDuration(sess *Session) int {
	if sess.ConnectedAt.IsZero() {
		return 0
	}
	d := s.clk.Now().UTC().Sub(sess.ConnectedAt)
	if d < 0 {
		d = 0
	}
	if d > MaxCallDuration {
		d = MaxCallDuration
	}
	return int(d / time.Second)
}

// participantStatuses maps a terminal call status onto the host and
// receiver participant statuses. The mapping is total and deterministic:
// completed joins everyone, rejected marks receivers rejected, every other
// outcome (missed, no-answer, cancelled) marks receivers missed; the host
// left in all non-completed cases.
func participantStatuses(terminal string) (host, receiver string) {
	switch terminal {
	case models.CallCompleted:
		return models.ParticipantJoined, models.ParticipantJoined
	case models.CallRejected:
		return models.ParticipantLeft, models.ParticipantRejected
	default:
		return models.ParticipantLeft, models.ParticipantMissed
	}
}

func participantRow(userID, role, status string, joinedAt, endedAt time.Time) models.CallParticipant {
	p := models.CallParticipant{UserID: userID, Role: role, Status: status}
	if status == models.ParticipantJoined {
		joined := joinedAt
		left := endedAt
		p.JoinedAt = &joined
		p.LeftAt = &left
	}
	return p
}

// dedupeReceivers merges the primary callee and extras, dropping blanks,
// duplicates, and the caller.
func dedupeReceivers(callerID, calleeID string, extras []string) []string {
	seen := make(map[string]bool, len(extras)+1)
	out := make([]string, 0, len(extras)+1)
	for _, id := range append([]string{calleeID}, extras...) {
		if id == "" || id == callerID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
