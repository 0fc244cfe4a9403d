package summary

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"paperdesk/apps/backend/features/document"
	"paperdesk/apps/backend/internal/middleware"
	"paperdesk/apps/backend/internal/synthesis"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string   `json:"workspace_id"`
		DocumentIDs []string `json:"document_ids"`
		SummaryType string   `json:"summary_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.WorkspaceID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "workspace_id is required", http.StatusBadRequest)
		return
	}
	if req.SummaryType == "" {
		req.SummaryType = string(synthesis.SummaryShort)
	}

	result, err := h.service.Summarize(r.Context(), req.WorkspaceID, req.DocumentIDs, synthesis.SummaryType(req.SummaryType))
	if err != nil {
		switch {
		case errors.Is(err, synthesis.ErrInvalidSummaryType), errors.Is(err, ErrNoDocuments):
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		case errors.Is(err, document.ErrNotFound):
			h.writeError(r.Context(), w, "NOT_FOUND", err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrNotIndexed):
			h.writeError(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			slog.Error("summarize failed", "error", err, "workspace_id", req.WorkspaceID)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"summary":      result.Text,
			"related_work": result.RelatedWork,
			"citations":    result.Citations,
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
