package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parleo/parleo/internal/api/middleware"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
)

// historyPageLimit caps one page of call history.
const historyPageLimit = 100

// callRecordView shapes a finalized call for JSON.
type callRecordView struct {
	CallID           string    `json:"callId"`
	InitiatorID      string    `json:"initiatorId"`
	ParticipantCount int       `json:"participantCount"`
	CallType         string    `json:"callType"`
	Provider         string    `json:"provider"`
	ConversationID   string    `json:"conversationId,omitempty"`
	Status           string    `json:"status"`
	Duration         int       `json:"duration"`
	StartedAt        time.Time `json:"startedAt"`
	EndedAt          time.Time `json:"endedAt"`
	EndReason        string    `json:"endReason,omitempty"`
}

func recordView(rec *models.CallRecord) callRecordView {
	return callRecordView{
		CallID:           rec.ID,
		InitiatorID:      rec.InitiatorID,
		ParticipantCount: rec.ParticipantCount,
		CallType:         rec.CallType,
		Provider:         rec.Provider,
		ConversationID:   rec.ConversationID,
		Status:           rec.Status,
		Duration:         rec.Duration,
		StartedAt:        rec.StartedAt,
		EndedAt:          rec.EndedAt,
		EndReason:        rec.EndReason,
	}
}

// handleCurrentCall returns the caller's live session, if any.
func (s *Server) handleCurrentCall(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	sess, err := s.calls.GetByUserID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleCallHistory lists the caller's finalized calls, newest first.
func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	limit := parsePositive(r.URL.Query().Get("limit"), 50)
	if limit > historyPageLimit {
		limit = historyPageLimit
	}
	offset := parsePositive(r.URL.Query().Get("offset"), 0)

	recs, err := s.calls.History(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]callRecordView, 0, len(recs))
	for i := range recs {
		views = append(views, recordView(&recs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleMissedCount returns the caller's missed-call badge count.
func (s *Server) handleMissedCount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	count, err := s.calls.MissedCount(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleMissedViewed resets the missed-call badge.
func (s *Server) handleMissedViewed(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if err := s.calls.MarkViewed(r.Context(), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"viewed": true})
}

// endCallRequest is the REST fallback for ending a call when the socket is
// already gone.
type endCallRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// handleEndCall finalizes a call over REST. Concurrent and repeated ends
// all observe the same finalized record.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	req := endCallRequest{Status: models.CallCompleted, Reason: events.ReasonUserHangup}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	userID := middleware.UserIDFromContext(r.Context())
	if sess, err := s.calls.GetByCallID(r.Context(), callID); err == nil {
		if !sess.HasParticipant(userID) {
			writeError(w, http.StatusForbidden, "not a participant")
			return
		}
	} else if was, werr := s.calls.WasParticipant(r.Context(), callID, userID); werr == nil && !was {
		// The session is gone but its record survives; the cached finalize
		// result is readable only by people who were on the call.
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	resp, err := s.calls.EndCall(r.Context(), callID, req.Status, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCallTeardown gracefully ends whatever call the caller is in. Clients
// hit it on logout, when no socket remains to hang up over. A user with no
// live call gets a success either way.
func (s *Server) handleCallTeardown(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if err := s.calls.CleanupUserSessions(r.Context(), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// handleCallHeartbeat extends the session TTL for clients that lost the
// socket but still hold the call on another transport.
func (s *Server) handleCallHeartbeat(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := s.calls.Heartbeat(r.Context(), callID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// parsePositive parses a non-negative integer query value with a fallback.
func parsePositive(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
