package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parleo/parleo/internal/api/middleware"
	"github.com/parleo/parleo/internal/database/models"
)

// attachmentView shapes an attachment row for JSON. Object keys stay
// internal; clients only see public URLs.
type attachmentView struct {
	ID               string     `json:"id"`
	UploaderID       string     `json:"uploaderId"`
	ConversationID   string     `json:"conversationId,omitempty"`
	OriginalName     string     `json:"originalName"`
	MimeType         string     `json:"mimeType"`
	MediaType        string     `json:"mediaType"`
	Size             int64      `json:"size"`
	URL              string     `json:"url,omitempty"`
	ThumbnailURL     string     `json:"thumbnailUrl,omitempty"`
	OptimizedURL     string     `json:"optimizedUrl,omitempty"`
	HLSPlaylistURL   string     `json:"hlsPlaylistUrl,omitempty"`
	ProcessingStatus string     `json:"processingStatus"`
	ProcessingError  string     `json:"processingError,omitempty"`
	MessageID        string     `json:"messageId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

func viewOf(att *models.MediaAttachment) attachmentView {
	return attachmentView{
		ID:               att.ID,
		UploaderID:       att.UploaderID,
		ConversationID:   att.ConversationID,
		OriginalName:     att.OriginalName,
		MimeType:         att.MimeType,
		MediaType:        att.MediaType,
		Size:             att.Size,
		URL:              att.CDNURL,
		ThumbnailURL:     att.ThumbnailURL,
		OptimizedURL:     att.OptimizedURL,
		HLSPlaylistURL:   att.HLSPlaylistURL,
		ProcessingStatus: att.ProcessingStatus,
		ProcessingError:  att.ProcessingError,
		MessageID:        att.MessageID,
		CreatedAt:        att.CreatedAt,
		UpdatedAt:        att.UpdatedAt,
		DeletedAt:        att.DeletedAt,
	}
}

// initiateRequest asks for a signed upload slot. conversationId is optional;
// when set, processing completion fans out to the conversation's active
// viewers.
type initiateRequest struct {
	Filename       string `json:"filename"`
	MimeType       string `json:"mimeType"`
	Size           int64  `json:"size"`
	ConversationID string `json:"conversationId"`
}

// handleMediaInitiate reserves an attachment and returns the signed upload
// URL.
func (s *Server) handleMediaInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Filename == "" || req.MimeType == "" || req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "filename, mimeType and size are required")
		return
	}

	uploaderID := middleware.UserIDFromContext(r.Context())
	res, err := s.medias.Initiate(r.Context(), uploaderID, req.Filename, req.MimeType, req.Size, req.ConversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleUpload receives the file body on the signed URL. The signature in
// the query string authorizes the request; there is no bearer token here.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	q := r.URL.Query()

	err := s.medias.HandleUpload(r.Context(), uploadID, q.Get("exp"), q.Get("sig"), r.Body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"uploaded": true})
}

// confirmRequest finishes an upload, optionally linking it to a message.
type confirmRequest struct {
	MessageID string `json:"messageId"`
}

// handleMediaConfirm finalizes small media inline and queues image/video
// processing. Safe to retry.
func (s *Server) handleMediaConfirm(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	var req confirmRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	att, err := s.medias.Confirm(r.Context(), uploadID, req.MessageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(att))
}

// handleMediaGet returns one attachment.
func (s *Server) handleMediaGet(w http.ResponseWriter, r *http.Request) {
	att, err := s.medias.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(att))
}

// handleMediaDelete soft-deletes an attachment; only the uploader may.
func (s *Server) handleMediaDelete(w http.ResponseWriter, r *http.Request) {
	requesterID := middleware.UserIDFromContext(r.Context())
	if err := s.medias.Delete(r.Context(), chi.URLParam(r, "id"), requesterID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
