package ws

import (
	"context"
	"errors"
	"log"

	"github.com/skillswap/chat-app/internal/chat"
	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/protocol"
	"github.com/skillswap/chat-app/internal/ratelimit"
)

// ChatService is the part of the message lifecycle the real-time path uses.
type ChatService interface {
	Send(ctx context.Context, senderID, receiverID, body string) (*model.Message, error)
	Notify(ctx context.Context, senderID string, n protocol.PushNotificationMsg) error
}

// Emitter delivers an event to every live connection of a user.
type Emitter interface {
	EmitToUser(ctx context.Context, userID, event string, payload any) error
}

// Handlers implements the client events of the real-time channel.
type Handlers struct {
	chat    ChatService
	emitter Emitter
	limiter ratelimit.Limiter
}

// NewHandlers wires the handlers. limiter may be nil.
func NewHandlers(chat ChatService, emitter Emitter, limiter ratelimit.Limiter) *Handlers {
	return &Handlers{chat: chat, emitter: emitter, limiter: limiter}
}

// Register installs every client event handler on d.
func (h *Handlers) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeAuthenticate, h.authenticate)
	d.Register(protocol.TypePrivateMessage, h.privateMessage)
	d.Register(protocol.TypeTyping, h.typing)
	d.Register(protocol.TypeStopTyping, h.typing)
	d.Register(protocol.TypePushNotification, h.pushNotification)
}

// authenticate confirms the identity bound at upgrade. A client cannot
// switch users on a live connection.
func (h *Handlers) authenticate(_ context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.AuthenticateMsg)
	if !ok {
		return
	}
	if m.UserID != conn.UserID() {
		log.Printf("ws: authenticate mismatch conn=%s admitted=%s claimed=%s", conn.ID(), conn.UserID(), m.UserID)
		SendError(conn, "identity_mismatch", "userId does not match the admitted credential")
		return
	}
	Send(conn, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{UserID: conn.UserID()})
}

func (h *Handlers) privateMessage(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.PrivateMessageMsg)
	if !ok {
		return
	}
	if !h.allow(ctx, conn, ratelimit.RuleMessage) {
		return
	}

	sent, err := h.chat.Send(ctx, conn.UserID(), m.RecipientID, m.Content)
	if err != nil {
		sendChatError(conn, err)
		return
	}
	Send(conn, protocol.TypeMessageSent, sent)
}

// typing relays typing and stop_typing. Indicators are never persisted.
func (h *Handlers) typing(ctx context.Context, conn *Connection, msg interface{}) {
	var event, recipient string
	switch m := msg.(type) {
	case protocol.TypingMsg:
		event, recipient = protocol.TypeTyping, m.RecipientID
	case protocol.StopTypingMsg:
		event, recipient = protocol.TypeStopTyping, m.RecipientID
	default:
		return
	}

	if recipient == "" || recipient == conn.UserID() {
		SendError(conn, "validation_failed", "invalid recipientId")
		return
	}
	if !h.allow(ctx, conn, ratelimit.RuleTyping) {
		return
	}
	if err := h.emitter.EmitToUser(ctx, recipient, event, protocol.ServerTypingMsg{SenderID: conn.UserID()}); err != nil {
		log.Printf("ws: %s relay from user=%s failed: %v", event, conn.UserID(), err)
	}
}

func (h *Handlers) pushNotification(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.PushNotificationMsg)
	if !ok {
		return
	}
	if !h.allow(ctx, conn, ratelimit.RuleNotify) {
		return
	}
	if err := h.chat.Notify(ctx, conn.UserID(), m); err != nil {
		sendChatError(conn, err)
	}
}

func (h *Handlers) allow(ctx context.Context, conn *Connection, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	if ok, _ := h.limiter.Allow(ctx, conn.UserID(), rule); ok {
		return true
	}
	Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: rule.RetryAfter()})
	return false
}

func sendChatError(conn *Connection, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		SendError(conn, "validation_failed", err.Error())
	case errors.Is(err, chat.ErrNotFound):
		SendError(conn, "not_found", err.Error())
	case errors.Is(err, chat.ErrForbidden):
		SendError(conn, "forbidden", err.Error())
	default:
		log.Printf("ws: handler error conn=%s user=%s: %v", conn.ID(), conn.UserID(), err)
		SendError(conn, "internal", "something went wrong")
	}
}
