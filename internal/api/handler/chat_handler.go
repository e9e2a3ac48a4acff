package handler

import (
	"net/http"
	"time"

	"convochat/internal/api/middleware"
	"convochat/internal/app/service"
	"convochat/internal/common"
	"convochat/internal/domain/model"
	"convochat/internal/platform/logging"

	"github.com/go-chi/chi/v5"
)

type ChatHandler struct {
	chatService   *service.ChatService
	conversations *service.ConversationStore
	logger        logging.Logger
}

func NewChatHandler(chatService *service.ChatService, conversations *service.ConversationStore, logger logging.Logger) *ChatHandler {
	return &ChatHandler{chatService: chatService, conversations: conversations, logger: logger}
}

// RegisterRoutes expects to be mounted behind middleware.Authenticator.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.chat)
	r.Post("/new", h.newConversation)
	r.Get("/history", h.history)
	r.Get("/{conversationID}", h.getConversation)
}

type NewConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

type messageView struct {
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}

type ConversationResponse struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	Messages       []messageView `json:"messages"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (h *ChatHandler) chat(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		common.RespondWithDomainError(w, common.ErrUnauthorized)
		return
	}

	var req service.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.chatService.Chat(r.Context(), identity, req)
	if err != nil {
		if common.HTTPStatusFromError(err) >= http.StatusInternalServerError {
			h.logger.Error(r.Context(), "chat turn failed",
				"conversation_id", req.ConversationID, "user_id", identity.UserID, "kind", common.ErrorKind(err), "error", err)
		}
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) newConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		common.RespondWithDomainError(w, common.ErrUnauthorized)
		return
	}

	id, err := h.conversations.New(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error(r.Context(), "failed to create conversation", "user_id", identity.UserID, "error", err)
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, NewConversationResponse{ConversationID: id})
}

func (h *ChatHandler) history(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		common.RespondWithDomainError(w, common.ErrUnauthorized)
		return
	}

	convs, err := h.conversations.List(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error(r.Context(), "failed to list conversations", "user_id", identity.UserID, "error", err)
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, convs)
}

func (h *ChatHandler) getConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		common.RespondWithDomainError(w, common.ErrUnauthorized)
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := h.conversations.Get(r.Context(), conversationID, identity.UserID)
	if err != nil {
		if common.HTTPStatusFromError(err) >= http.StatusInternalServerError {
			h.logger.Error(r.Context(), "failed to load conversation", "conversation_id", conversationID, "error", err)
		}
		common.RespondWithDomainError(w, err)
		return
	}

	resp := ConversationResponse{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Messages:       make([]messageView, len(conv.Messages)),
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
	for i, m := range conv.Messages {
		resp.Messages[i] = messageView{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	common.RespondWithJSON(w, http.StatusOK, resp)
}
