package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/guestgate/internal/api"
	"github.com/ashureev/guestgate/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler exposes the chat Service over HTTP.
type Handler struct {
	svc         *Service
	maxBodySize int64
}

// NewHandler creates a Handler. maxBodySize <= 0 uses 1MB.
func NewHandler(svc *Service, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &Handler{svc: svc, maxBodySize: maxBodySize}
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	EntryPoint     string `json:"entry,omitempty"`
}

type createConversationRequest struct {
	Mode string `json:"mode,omitempty"`
}

// Register mounts the chat routes. Identity is resolved for every route;
// conversation and phase routes require an authenticated user.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware)

		r.Post("/api/discovery/chat", h.DiscoveryChat)
		r.Get("/api/discovery/quota", h.Quota)

		r.Group(func(r chi.Router) {
			r.Use(identity.RequireUser)
			r.Post("/api/conversations", h.CreateConversation)
			r.Post("/api/conversations/{id}/messages", h.ConversationMessage)
			r.Get("/api/conversations/{id}/depth", h.GetDepth)
			r.Post("/api/conversations/{id}/depth/disable", h.DisableDepth)
			r.Post("/api/conversations/{id}/depth/enable", h.EnableDepth)
			r.Get("/api/me/phase", h.GetPhase)
		})
	})
}

// DiscoveryChat handles POST /api/discovery/chat. Authenticated callers that
// name a conversation are routed to the conversation pipeline.
func (h *Handler) DiscoveryChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := api.DecodeJSON(w, r, h.maxBodySize, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	id := identity.FromContext(r.Context())
	if id.Authenticated() && req.ConversationID != "" {
		h.conversationTurn(w, r, ConversationInput{
			UserID:         id.UserID,
			ConversationID: req.ConversationID,
			Message:        req.Message,
			Silo:           id.Silo,
		})
		return
	}

	entry := id.EntryPoint
	if entry == "" {
		entry = req.EntryPoint
	}
	slog.Info("Discovery chat request",
		"ip", id.ClientIP,
		"entry", entry,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	res, err := h.svc.DiscoveryTurn(r.Context(), DiscoveryInput{
		ClientIP:   id.ClientIP,
		Message:    req.Message,
		EntryPoint: entry,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Denied != nil {
		writeDenied(w, res.Denied)
		return
	}
	api.JSON(w, http.StatusOK, res.Response)
}

// Quota handles GET /api/discovery/quota.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Quota(r.Context(), identity.ClientIPFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{
		"used":                u.Used,
		"remaining":           u.Remaining,
		"limit":               h.svc.QuotaLimit(),
		"seconds_until_reset": u.SecondsUntilReset,
		"reset_at":            u.ResetAt,
	})
}

// CreateConversation handles POST /api/conversations.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := api.DecodeJSON(w, r, h.maxBodySize, &req); err != nil {
			h.badRequest(w, err)
			return
		}
	}
	conv, err := h.svc.CreateConversation(r.Context(), identity.UserIDFromContext(r.Context()), req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, conv)
}

// ConversationMessage handles POST /api/conversations/{id}/messages.
func (h *Handler) ConversationMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := api.DecodeJSON(w, r, h.maxBodySize, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	id := identity.FromContext(r.Context())
	h.conversationTurn(w, r, ConversationInput{
		UserID:         id.UserID,
		ConversationID: chi.URLParam(r, "id"),
		Message:        req.Message,
		Silo:           id.Silo,
	})
}

func (h *Handler) conversationTurn(w http.ResponseWriter, r *http.Request, in ConversationInput) {
	slog.Info("Conversation chat request",
		"user_id", in.UserID,
		"conversation_id", in.ConversationID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(in.Message),
	)
	resp, err := h.svc.ConversationTurn(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// GetDepth handles GET /api/conversations/{id}/depth.
func (h *Handler) GetDepth(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	v, enabled, err := h.svc.Depth(r.Context(), identity.UserIDFromContext(r.Context()), convID)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"depth":           v,
		"enabled":         enabled,
	})
}

// DisableDepth handles POST /api/conversations/{id}/depth/disable.
func (h *Handler) DisableDepth(w http.ResponseWriter, r *http.Request) {
	h.setDepth(w, r, false)
}

// EnableDepth handles POST /api/conversations/{id}/depth/enable.
func (h *Handler) EnableDepth(w http.ResponseWriter, r *http.Request) {
	h.setDepth(w, r, true)
}

func (h *Handler) setDepth(w http.ResponseWriter, r *http.Request, enabled bool) {
	convID := chi.URLParam(r, "id")
	userID := identity.UserIDFromContext(r.Context())
	if err := h.svc.SetDepthTracking(r.Context(), userID, convID, enabled); err != nil {
		writeError(w, err)
		return
	}
	v, on, err := h.svc.Depth(r.Context(), userID, convID)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"depth":           v,
		"enabled":         on,
	})
}

// GetPhase handles GET /api/me/phase.
func (h *Handler) GetPhase(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Phase(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, st)
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if err.Error() == "request body too large" {
		status = http.StatusRequestEntityTooLarge
	}
	api.Error(w, status, err.Error())
}

func writeDenied(w http.ResponseWriter, d *QuotaDenial) {
	w.Header().Set("Retry-After", strconv.FormatInt(d.SecondsUntilReset, 10))
	api.JSON(w, http.StatusTooManyRequests, d)
}

// writeError maps service errors to responses. Nothing here is a bare 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		api.Error(w, http.StatusBadRequest, ErrEmptyMessage.Error())
	case errors.Is(err, ErrConversationNotFound):
		api.Error(w, http.StatusNotFound, ErrConversationNotFound.Error())
	case errors.Is(err, ErrAssistantUnavailable):
		api.Error(w, http.StatusBadGateway, ErrAssistantUnavailable.Error())
	case errors.Is(err, ErrSessionUnavailable):
		api.Error(w, http.StatusServiceUnavailable, ErrSessionUnavailable.Error())
	default:
		slog.Error("Chat request failed", "error", err)
		api.Error(w, http.StatusServiceUnavailable, ErrStorageUnavailable.Error())
	}
}
