package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ashureev/guestgate/internal/identity"
)

// WebSocketHandler streams chat turns over a websocket. Each frame is gated
// exactly like a POST to the chat endpoints.
type WebSocketHandler struct {
	svc           *Service
	allowedOrigin string
	isDev         bool
	perSecond     float64
	burst         int
}

// NewWebSocketHandler creates a new WebSocket handler. perSecond and burst
// bound the frames a single connection may submit.
func NewWebSocketHandler(svc *Service, allowedOrigin string, isDev bool, perSecond float64, burst int) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		perSecond:     perSecond,
		burst:         burst,
	}
}

// wsMessage is an inbound frame.
type wsMessage struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// wsReply is an outbound frame.
type wsReply struct {
	Type  string        `json:"type"`
	Turn  *TurnResponse `json:"turn,omitempty"`
	Quota *QuotaDenial  `json:"quota,omitempty"`
	Error string        `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", id.UserID, "ip", id.ClientIP)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", id.ClientIP)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "ip", id.ClientIP)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, id)
	slog.Info("Chat websocket ended", "user_id", id.UserID, "ip", id.ClientIP)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, id identity.Identity) {
	limiter := rate.NewLimiter(rate.Limit(h.perSecond), h.burst)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "ip", id.ClientIP)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "ip", id.ClientIP)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(ctx, ws, wsReply{Type: "error", Error: "invalid_frame"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.send(ctx, ws, wsReply{Type: "pong"})
		case "message":
			if !limiter.Allow() {
				h.send(ctx, ws, wsReply{Type: "error", Error: "rate_limited"})
				continue
			}
			h.send(ctx, ws, h.turn(ctx, id, msg))
		default:
			h.send(ctx, ws, wsReply{Type: "error", Error: "unknown_frame_type"})
		}
	}
}

func (h *WebSocketHandler) turn(ctx context.Context, id identity.Identity, msg wsMessage) wsReply {
	if id.Authenticated() && msg.ConversationID != "" {
		resp, err := h.svc.ConversationTurn(ctx, ConversationInput{
			UserID:         id.UserID,
			ConversationID: msg.ConversationID,
			Message:        msg.Content,
			Silo:           id.Silo,
		})
		if err != nil {
			return errorFrame(err)
		}
		return wsReply{Type: "reply", Turn: resp}
	}

	res, err := h.svc.DiscoveryTurn(ctx, DiscoveryInput{
		ClientIP:   id.ClientIP,
		Message:    msg.Content,
		EntryPoint: id.EntryPoint,
	})
	if err != nil {
		return errorFrame(err)
	}
	if res.Denied != nil {
		return wsReply{Type: "quota_exceeded", Quota: res.Denied}
	}
	return wsReply{Type: "reply", Turn: res.Response}
}

func errorFrame(err error) wsReply {
	for _, known := range []error{ErrEmptyMessage, ErrConversationNotFound, ErrAssistantUnavailable, ErrSessionUnavailable} {
		if errors.Is(err, known) {
			return wsReply{Type: "error", Error: known.Error()}
		}
	}
	slog.Error("Chat websocket turn failed", "error", err)
	return wsReply{Type: "error", Error: ErrStorageUnavailable.Error()}
}

func (h *WebSocketHandler) send(ctx context.Context, ws *websocket.Conn, v wsReply) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("Failed to encode websocket frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err, "type", v.Type)
	}
}
