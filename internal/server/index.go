package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/mailrag-go/internal/logging"
	"github.com/54b3r/mailrag-go/internal/rag"
)

// handleIndex handles POST /api/index. Per-message failures are reported in
// the response body and do not fail the request.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req indexRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if len(req.Messages) > s.cfg.MaxIndexMessages {
		writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d messages per request", s.cfg.MaxIndexMessages))
		return
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.MessageID) == "" {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("messages[%d]: message_id is required", i))
			return
		}
	}

	stats, err := s.indexer.Index(r.Context(), strings.TrimSpace(req.TenantID), req.Messages)
	if err != nil {
		if errors.Is(err, rag.ErrEmptyTenant) {
			writeError(w, r, http.StatusBadRequest, "tenant_id is required")
			return
		}
		log.Error("index failed", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.indexedChunksTotal.Add(float64(stats.Chunks))
	s.metrics.indexFailuresTotal.Add(float64(len(stats.Failures)))

	resp := indexResponse{
		Messages: stats.Messages,
		Chunks:   stats.Chunks,
		Failures: make([]indexFailure, len(stats.Failures)),
	}
	for i, f := range stats.Failures {
		resp.Failures[i] = indexFailure{MessageID: f.MessageID, Error: f.Err.Error()}
	}
	writeJSON(w, r, http.StatusOK, resp)
}
