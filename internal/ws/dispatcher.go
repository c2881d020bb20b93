package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tandem/chat-app/internal/protocol"
	"github.com/tandem/chat-app/internal/router"
	"github.com/tandem/chat-app/internal/session"
	"github.com/tandem/chat-app/internal/store"
)

// MessageHandler handles one parsed client event. msg is the value returned
// by protocol.ParseClientMessage (e.g. protocol.SendMessageMsg). A non-nil
// error is reported to this connection only.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) error

// MessageDispatcher routes incoming frames to registered handlers by event
// type. Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	timeout  time.Duration
}

// NewMessageDispatcher creates a dispatcher whose handlers each get a
// context bounded by timeout.
func NewMessageDispatcher(timeout time.Duration) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		timeout:  timeout,
	}
}

// Register associates a handler with an event type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback. Frames that fail to parse or carry an
// unknown type get an error frame back.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		sendError(conn, msgType, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, msgType, "unsupported_type", "unsupported message type")
		return
	}

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := handler(ctx, conn, msg); err != nil {
		reportError(conn, msgType, err)
	}
}

// reportError turns a handler error into the frame the client sees.
func reportError(conn *Connection, msgType string, err error) {
	var rl *router.RateLimitError
	switch {
	case errors.As(err, &rl):
		reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			Event:      msgType,
			RetryAfter: int((rl.RetryAfter + time.Second - 1) / time.Second),
		})
	case errors.Is(err, store.ErrNotFound):
		// Deleting an unknown message is a no-op.
	case errors.Is(err, router.ErrNotIdentified):
		sendError(conn, msgType, "not_identified", "announce a username first")
	case errors.Is(err, router.ErrSenderMismatch), errors.Is(err, router.ErrForbidden),
		errors.Is(err, session.ErrIdentityMismatch):
		sendError(conn, msgType, "forbidden", "not allowed for this connection")
	case errors.Is(err, router.ErrInvalidMessage), errors.Is(err, router.ErrInvalidUsername):
		sendError(conn, msgType, "invalid_message", err.Error())
	default:
		log.Printf("ws: %s failed conn=%s: %v", msgType, conn.ID, err)
		sendError(conn, msgType, "internal_error", "could not process event")
	}
}

func sendError(conn *Connection, event, code, message string) {
	reply(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		Event:   event,
	})
}

func reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.Enqueue(data); err != nil {
		log.Printf("ws: failed to queue %s conn=%s: %v", msgType, conn.ID, err)
	}
}
