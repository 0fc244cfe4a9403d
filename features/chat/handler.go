package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"paperdesk/apps/backend/internal/middleware"
	"paperdesk/apps/backend/internal/synthesis"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		Title       string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.WorkspaceID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "workspace_id is required", http.StatusBadRequest)
		return
	}

	session, err := h.service.CreateSession(r.Context(), req.WorkspaceID, req.Title)
	if err != nil {
		slog.Error("create session failed", "error", err, "workspace_id", req.WorkspaceID)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": session}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.service.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Session not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	if msgs == nil {
		msgs = []Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": msgs,
		"meta": map[string]int{"count": len(msgs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message     string   `json:"message"`
		TopK        int      `json:"top_k"`
		DocumentIDs []string `json:"document_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "message is required", http.StatusBadRequest)
		return
	}

	sessionID := r.PathValue("id")
	msg, err := h.service.PostMessage(r.Context(), sessionID, req.Message, req.TopK, req.DocumentIDs)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			h.writeError(r.Context(), w, "NOT_FOUND", "Session not found", http.StatusNotFound)
		case errors.Is(err, ErrEmptyMessage):
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		default:
			slog.Error("chat turn failed", "error", err, "session_id", sessionID)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	citations := msg.Citations
	if citations == nil {
		citations = []synthesis.Citation{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"answer":    msg.Content,
			"citations": citations,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
