package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chatgate/chatgate/pkg/models"
	"github.com/chatgate/chatgate/pkg/relay"
)

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Authenticated bool   `json:"authenticated"`
		IsAdmin       bool   `json:"is_admin"`
		Username      string `json:"username,omitempty"`
	}{}
	if p, err := s.authenticate(r); err == nil {
		resp.Authenticated = true
		resp.IsAdmin = p.IsAdmin
		resp.Username = p.Username
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.proxy.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Stream {
		s.streamChat(w, r, req)
		return
	}

	resp, status, err := s.proxy.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(CacheHeader, string(status))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Raw)
}

// streamChat answers with server-sent events, one relay event per message.
// Errors that happen before the first event get a plain JSON error instead.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req models.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	err := s.proxy.CompleteStreaming(r.Context(), req, sink)
	if err != nil && !sink.started {
		s.writeError(w, r, err)
	}
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) Emit(ev relay.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
