// Package ollamatest runs a scripted inference service for tests.
package ollamatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/chatgate/chatgate/pkg/models"
)

// Server fakes /api/tags and /api/chat. Non-streaming replies echo the last
// message; streaming replies send Fragments followed by a done line.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	models    []models.UpstreamModel
	fragments []string
	status    int

	TagsCalls   atomic.Int32
	ChatCalls   atomic.Int32
	StreamCalls atomic.Int32
}

// New starts a Server. Close it when done.
func New() *Server {
	s := &Server{
		models:    []models.UpstreamModel{{Name: "phi:latest", Size: 1_602_463_378}},
		fragments: []string{"Hel", "lo"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", s.handleTags)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetModels replaces the installed model listing.
func (s *Server) SetModels(m []models.UpstreamModel) {
	s.mu.Lock()
	s.models = m
	s.mu.Unlock()
}

// SetFragments replaces the streamed content fragments.
func (s *Server) SetFragments(f ...string) {
	s.mu.Lock()
	s.fragments = f
	s.mu.Unlock()
}

// FailWith makes every call answer with status. Zero restores normal replies.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Server) failing(w http.ResponseWriter) bool {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		return false
	}
	w.WriteHeader(status)
	fmt.Fprint(w, `{"error":"scripted failure"}`)
	return true
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request) {
	s.TagsCalls.Add(1)
	if s.failing(w) {
		return
	}
	s.mu.Lock()
	resp := models.TagsResponse{Models: s.models}
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(resp)
}

type chatBody struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Stream {
		s.StreamCalls.Add(1)
	} else {
		s.ChatCalls.Add(1)
	}
	if s.failing(w) {
		return
	}

	if !body.Stream {
		last := ""
		if n := len(body.Messages); n > 0 {
			last = body.Messages[n-1].Content
		}
		_ = json.NewEncoder(w).Encode(models.ChatChunk{
			Model:   body.Model,
			Message: &models.ChatMessage{Role: models.RoleAssistant, Content: "echo: " + last},
			Done:    true,
		})
		return
	}

	s.mu.Lock()
	fragments := append([]string(nil), s.fragments...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for _, f := range fragments {
		_ = enc.Encode(models.ChatChunk{
			Model:   body.Model,
			Message: &models.ChatMessage{Role: models.RoleAssistant, Content: f},
		})
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = enc.Encode(models.ChatChunk{Model: body.Model, Done: true})
}
