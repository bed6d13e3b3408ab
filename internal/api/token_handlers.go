package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parleo/parleo/internal/api/middleware"
	"github.com/parleo/parleo/internal/database/models"
)

// pushTokenRequest registers one device for call wake-up pushes.
type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"` // "fcm" | "apns"
	DeviceID string `json:"deviceId"`
}

// handlePushTokenRegister upserts a device token for the caller.
func (s *Server) handlePushTokenRegister(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Token == "" || req.Platform == "" {
		writeError(w, http.StatusBadRequest, "token and platform are required")
		return
	}
	if req.Platform != "fcm" && req.Platform != "apns" {
		writeError(w, http.StatusBadRequest, "platform must be fcm or apns")
		return
	}

	tok := models.PushToken{
		UserID:   middleware.UserIDFromContext(r.Context()),
		Token:    req.Token,
		Platform: req.Platform,
		DeviceID: req.DeviceID,
	}
	if err := s.tokens.Upsert(r.Context(), &tok); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"registered": true})
}

// handlePushTokenDelete removes a device token, typically on logout.
func (s *Server) handlePushTokenDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.DeleteByToken(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
