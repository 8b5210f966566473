package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/relay"
)

// CompletionRequest is the inbound body of the streaming endpoints. It
// accepts the OpenAI chat request shape; the response is always a
// stream.
type CompletionRequest struct {
	Messages *[]InboundMessage `json:"messages"`
	Model    string            `json:"model,omitempty"`
	ChatID   string            `json:"chat_id,omitempty"`
	Stream   bool              `json:"stream,omitempty"`
}

// InboundMessage is a message as clients send it. Older clients put the
// body in Text instead of Content.
type InboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Text    string `json:"text,omitempty"`
}

// normalizeMessages fills Content from Text when it is empty and maps
// any role other than system or assistant to user.
func normalizeMessages(in []InboundMessage) []llm.Message {
	out := make([]llm.Message, len(in))
	for i, m := range in {
		content := m.Content
		if content == "" {
			content = m.Text
		}
		role := m.Role
		if role != llm.RoleSystem && role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		out[i] = llm.Message{Role: role, Content: content}
	}
	return out
}

func (s *Server) handleCompletionStream(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Messages == nil {
		s.errorResponse(w, http.StatusBadRequest, "messages is required")
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	label := req.Model
	if label == "" {
		label = s.opts.DefaultModel
	}

	sink := relay.New(w, r, relay.Options{
		ID:           id,
		Model:        label,
		WriteTimeout: s.opts.WriteTimeout,
		Logger:       s.logger,
	})

	out := s.orch.Handle(r.Context(), conversation.Request{
		ID:       id,
		Owner:    s.opts.Owner,
		Model:    req.Model,
		ChatID:   req.ChatID,
		Messages: normalizeMessages(*req.Messages),
	}, sink)

	s.logger.Debug("completion stream closed",
		"request_id", id,
		"state", out.State.String(),
		"chars", len(out.Text),
	)
}
