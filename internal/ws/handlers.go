package ws

import (
	"context"

	"github.com/tandem/chat-app/internal/protocol"
	"github.com/tandem/chat-app/internal/router"
)

// RegisterChat wires every client event type to rt.
func (d *MessageDispatcher) RegisterChat(rt *router.Router) {
	d.Register(protocol.TypeAnnounce, func(ctx context.Context, conn *Connection, msg interface{}) error {
		m := msg.(protocol.AnnounceMsg)
		return rt.Announce(ctx, conn.ID, m.Username)
	})

	d.Register(protocol.TypeSendMessage, func(ctx context.Context, conn *Connection, msg interface{}) error {
		return rt.Send(ctx, conn.ID, msg.(protocol.SendMessageMsg))
	})

	typing := func(ctx context.Context, conn *Connection, msg interface{}) error {
		m := msg.(protocol.TypingMsg)
		return rt.Typing(ctx, conn.ID, m.Type, m)
	}
	d.Register(protocol.TypeTyping, typing)
	d.Register(protocol.TypeStopTyping, typing)

	d.Register(protocol.TypeMarkRead, func(ctx context.Context, conn *Connection, msg interface{}) error {
		return rt.MarkRead(ctx, conn.ID, msg.(protocol.MarkReadMsg))
	})

	d.Register(protocol.TypeDeleteMessage, func(ctx context.Context, conn *Connection, msg interface{}) error {
		m := msg.(protocol.DeleteMessageMsg)
		return rt.DeleteMessage(ctx, conn.ID, m.MessageID)
	})
}
