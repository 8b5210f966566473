package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/chatrelay/internal/chats"
	"github.com/nugget/chatrelay/internal/events"
)

// ChatCreateRequest starts a chat with its first user message.
type ChatCreateRequest struct {
	Text string `json:"text"`
}

// ChatMessageRequest appends a message to a chat. Sender defaults to
// "user".
type ChatMessageRequest struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	if s.chats == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat store not configured")
		return
	}

	list, err := s.chats.ListChats(r.Context(), s.opts.Owner)
	if err != nil {
		s.logger.Error("list chats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"chats": list,
		"count": len(list),
	}, s.logger)
}

func (s *Server) handleChatCreate(w http.ResponseWriter, r *http.Request) {
	if s.chats == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat store not configured")
		return
	}

	var req ChatCreateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	chat, err := s.chats.CreateChatWithMessage(r.Context(), s.opts.Owner, req.Text, time.Now())
	if err != nil {
		s.logger.Error("create chat failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.bus.Emit(events.SourceChats, events.KindChatMessage, map[string]any{
		"chat_id": chat.ID,
		"sender":  chats.SenderUser,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, chat, s.logger)
}

// ownedChat loads the chat named in the path, answering 404 when it
// does not exist or belongs to another owner.
func (s *Server) ownedChat(w http.ResponseWriter, r *http.Request) (*chats.Chat, bool) {
	if s.chats == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat store not configured")
		return nil, false
	}

	chat, err := s.chats.GetChat(r.Context(), r.PathValue("id"))
	if errors.Is(err, chats.ErrChatNotFound) || (err == nil && chat.Owner != s.opts.Owner) {
		s.errorResponse(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get chat failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return chat, true
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.ownedChat(w, r)
	if !ok {
		return
	}

	msgs, err := s.chats.ListMessages(r.Context(), chat.ID)
	if err != nil {
		s.logger.Error("list messages failed", "chat_id", chat.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"chat":     chat,
		"messages": msgs,
	}, s.logger)
}

func (s *Server) handleChatAddMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.ownedChat(w, r)
	if !ok {
		return
	}

	var req ChatMessageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	switch req.Sender {
	case "":
		req.Sender = chats.SenderUser
	case chats.SenderUser, chats.SenderAssistant, chats.SenderSystem:
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown sender: "+req.Sender)
		return
	}

	id, err := s.chats.AddMessage(r.Context(), s.opts.Owner, chat.ID, req.Text, req.Sender, time.Now())
	if err != nil {
		s.logger.Error("add message failed", "chat_id", chat.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.bus.Emit(events.SourceChats, events.KindChatMessage, map[string]any{
		"chat_id": chat.ID,
		"sender":  req.Sender,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": id, "chat_id": chat.ID}, s.logger)
}

func (s *Server) handleChatExport(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.ownedChat(w, r)
	if !ok {
		return
	}

	msgs, err := s.chats.ListMessages(r.Context(), chat.ID)
	if err != nil {
		s.logger.Error("list messages failed", "chat_id", chat.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	short := chat.ID
	if len(short) > 8 {
		short = short[len(short)-8:]
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "md"
	}

	switch format {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"chat-%s.md\"", short))
		fmt.Fprint(w, chats.Markdown(chat, msgs))

	case "html":
		page, err := chats.HTML(chat, msgs)
		if err != nil {
			s.logger.Error("render chat failed", "chat_id", chat.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)

	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use md or html)")
	}
}
