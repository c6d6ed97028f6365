package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/mailrag-go/internal/logging"
	"github.com/54b3r/mailrag-go/internal/workflow"
)

// Chat outcome label values.
const (
	outcomeOK      = "ok"
	outcomeInvalid = "invalid"
	outcomeTimeout = "timeout"
	outcomeError   = "error"
)

// handleChat handles POST /api/chat. The whole turn runs before the JSON
// response is written.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logging.FromContext(r.Context())

	var req workflow.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.metrics.observeChat("sync", outcomeInvalid, start)
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	resp, err := s.runner.Run(ctx, req)
	switch {
	case err == nil:
		s.metrics.observeChat("sync", outcomeOK, start)
		writeJSON(w, r, http.StatusOK, resp)
	case errors.Is(err, workflow.ErrInvalidRequest):
		s.metrics.observeChat("sync", outcomeInvalid, start)
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), workflow.ErrInvalidRequest.Error()+": "))
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.observeChat("sync", outcomeTimeout, start)
		log.Warn("chat timed out", slog.Duration("timeout", s.cfg.ChatTimeout))
		writeError(w, r, http.StatusGatewayTimeout, "request timed out")
	default:
		s.metrics.observeChat("sync", outcomeError, start)
		log.Error("chat failed", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// handleChatStream handles POST /api/chat/stream using Server-Sent Events:
// one "sources" event, zero or more "token" events, then one "done" event.
// Validation failures are reported with a plain 400 before the stream opens.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logging.FromContext(r.Context())

	var req workflow.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.metrics.observeChat("stream", outcomeInvalid, start)
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := req.Validate(); err != nil {
		s.metrics.observeChat("stream", outcomeInvalid, start)
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), workflow.ErrInvalidRequest.Error()+": "))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	em := &sseEmitter{w: w, flusher: flusher}
	err := s.runner.Stream(ctx, req, em)
	switch {
	case err == nil:
		s.metrics.observeChat("stream", outcomeOK, start)
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.observeChat("stream", outcomeTimeout, start)
		log.Warn("chat stream timed out", slog.Duration("timeout", s.cfg.ChatTimeout))
		_ = em.event("error", errorResponse{Error: "request timed out"})
	case r.Context().Err() != nil:
		// Client went away; nothing left to write to.
		s.metrics.observeChat("stream", outcomeError, start)
		log.Info("chat stream cancelled by client")
	default:
		s.metrics.observeChat("stream", outcomeError, start)
		log.Error("chat stream failed", slog.Any("error", err))
		if !em.done {
			_ = em.event("error", errorResponse{Error: "internal error"})
		}
	}
}

// sseEmitter writes workflow events as SSE frames. Every payload is a single
// line of JSON so data frames never span lines.
type sseEmitter struct {
	// w is the underlying response writer.
	w http.ResponseWriter
	// flusher flushes buffered data to the client after each event.
	flusher http.Flusher
	// done is set once the terminal event has been written.
	done bool
}

// sourcesEvent is the payload of the "sources" event.
type sourcesEvent struct {
	Sources []workflow.Source `json:"sources"`
}

// tokenEvent is the payload of each "token" event.
type tokenEvent struct {
	Token string `json:"token"`
}

func (e *sseEmitter) Sources(_ context.Context, sources []workflow.Source) error {
	if sources == nil {
		sources = []workflow.Source{}
	}
	return e.event("sources", sourcesEvent{Sources: sources})
}

func (e *sseEmitter) Token(_ context.Context, token string) error {
	return e.event("token", tokenEvent{Token: token})
}

func (e *sseEmitter) Done(_ context.Context, resp *workflow.Response) error {
	if err := e.event("done", resp); err != nil {
		return err
	}
	e.done = true
	return nil
}

// event writes one named SSE frame and flushes it.
func (e *sseEmitter) event(name string, payload any) error {
	if e.done {
		return fmt.Errorf("server: event %q after done", name)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("server: encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("server: write %s event: %w", name, err)
	}
	e.flusher.Flush()
	return nil
}
