package ws

import (
	"context"
	"log"
	"time"

	"github.com/skillswap/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage (e.g.,
// protocol.PrivateMessageMsg). The connection carries the admitted user.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers       map[string]MessageHandler
	handlerTimeout time.Duration
}

// NewMessageDispatcher creates an empty MessageDispatcher. Each handler runs
// under a context bounded by handlerTimeout.
func NewMessageDispatcher(handlerTimeout time.Duration) *MessageDispatcher {
	return &MessageDispatcher{
		handlers:       make(map[string]MessageHandler),
		handlerTimeout: handlerTimeout,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s type=%q: %v", conn.ID(), msgType, err)
		if msgType != "" && d.handlers[msgType] == nil {
			SendError(conn, "unsupported_type", "unsupported message type")
			return
		}
		SendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		conn.Touch()
		Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID())
		SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	ctx := context.Background()
	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}
	handler(ctx, conn, msg)
}

// Send queues an event for the connection. Errors during message
// construction and full outboxes are logged but not propagated.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", msgType, conn.ID(), err)
		return
	}
	if !conn.Enqueue(data) {
		log.Printf("ws: outbox full, dropped %s conn=%s", msgType, conn.ID())
	}
}

// SendError sends a structured error message back to the client.
func SendError(conn *Connection, code string, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}
