package api

import (
	"net/http"
	"strings"

	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/memory"
	"github.com/nugget/chatrelay/internal/result"
)

// RememberRequest stores a fact when Key is set, otherwise a note.
type RememberRequest struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ForgetRequest removes a fact.
type ForgetRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}

	items := s.memory.ListKV(r.Context(), s.opts.Owner)
	if !items.Ok() {
		s.resultError(w, items.Err())
		return
	}
	limit := parseIntParam(r, "limit", memory.DefaultEpisodeLimit)
	episodes := s.memory.RecentEpisodes(r.Context(), s.opts.Owner, limit)
	if !episodes.Ok() {
		s.resultError(w, episodes.Err())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"items":    items.Value(),
		"episodes": episodes.Value(),
	}, s.logger)
}

func (s *Server) handleMemoryRemember(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}

	var req RememberRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	var reply result.Result[memory.Reply]
	action := "note"
	if strings.TrimSpace(req.Key) != "" {
		action = "remember"
		reply = s.memory.Remember(r.Context(), s.opts.Owner, req.Key, req.Value)
	} else {
		reply = s.memory.Note(r.Context(), s.opts.Owner, req.Text)
	}
	s.replyJSON(w, reply, action, req.Key)
}

func (s *Server) handleMemoryForget(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}

	var req ForgetRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	s.replyJSON(w, s.memory.Forget(r.Context(), s.opts.Owner, req.Key), "forget", req.Key)
}

func (s *Server) replyJSON(w http.ResponseWriter, reply result.Result[memory.Reply], action, key string) {
	if !reply.Ok() {
		s.resultError(w, reply.Err())
		return
	}
	s.bus.Emit(events.SourceMemory, events.KindMemoryChanged, map[string]any{
		"action": action,
		"key":    key,
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reply.Value(), s.logger)
}
