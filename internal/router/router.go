// Package router is the real-time core of the chat server. It receives the
// inbound events of every connection, keeps the presence table current,
// persists durable events and fans the results out to the right live
// connections.
//
// Events from one connection are expected to arrive in order from a single
// goroutine; events from different connections may interleave freely. Store
// calls are the only blocking work. Outbound frames are handed to a Fanout
// that must never block.
package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/tandem/chat-app/internal/chat"
	"github.com/tandem/chat-app/internal/clock"
	"github.com/tandem/chat-app/internal/messaging"
	"github.com/tandem/chat-app/internal/metrics"
	"github.com/tandem/chat-app/internal/presence"
	"github.com/tandem/chat-app/internal/protocol"
	"github.com/tandem/chat-app/internal/ratelimit"
	"github.com/tandem/chat-app/internal/session"
	"github.com/tandem/chat-app/internal/store"
)

var (
	// ErrNotIdentified is returned for events from a connection that has not
	// announced a username yet.
	ErrNotIdentified = errors.New("router: connection has not announced")
	// ErrSenderMismatch is returned when an event names a user other than the
	// one bound to the connection.
	ErrSenderMismatch = errors.New("router: event does not belong to this connection")
	// ErrForbidden is returned when deleting a message the caller is not a
	// participant of.
	ErrForbidden = errors.New("router: not a participant")
	// ErrInvalidMessage is returned for message text that breaks the content
	// limits, or a send without a receiver.
	ErrInvalidMessage = errors.New("router: invalid message")
	// ErrInvalidUsername is returned for an announce with a blank username.
	ErrInvalidUsername = errors.New("router: invalid username")
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("router: rate limited")
)

// RateLimitError reports a refused event and when the client may retry.
type RateLimitError struct {
	Event      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("router: %s rate limited, retry after %s", e.Event, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Fanout delivers encoded frames to live connections. SendMessage must not
// block on a slow peer; an error means the frame was not queued.
type Fanout interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
}

// Feed receives a copy of every durable effect.
type Feed interface {
	PublishEvent(kind string, payload interface{}) error
}

// Limiter throttles sends per username.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Config wires a Router. Feed and Limiter are optional.
type Config struct {
	Presence *presence.Table
	Sessions *session.Manager
	Users    store.UserStore
	Messages store.MessageStore
	Fanout   Fanout
	Feed     Feed
	Limiter  Limiter
	Clock    clock.Clock
}

// lockStripes bounds the number of pair and connection locks.
const lockStripes = 64

// Router handles inbound events. It is the only writer of the presence table.
type Router struct {
	presence *presence.Table
	sessions *session.Manager
	users    store.UserStore
	messages store.MessageStore
	fanout   Fanout
	feed     Feed
	limiter  Limiter
	clock    clock.Clock

	// pairs serializes insert+emit per sender->receiver pair so two tabs of
	// the same sender cannot reorder emission against persistence.
	pairs [lockStripes]sync.Mutex
	// conns serializes the presence half of Announce against Disconnect for
	// the same connection.
	conns [lockStripes]sync.Mutex
}

// New creates a Router from cfg.
func New(cfg Config) *Router {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Router{
		presence: cfg.Presence,
		sessions: cfg.Sessions,
		users:    cfg.Users,
		messages: cfg.Messages,
		fanout:   cfg.Fanout,
		feed:     cfg.Feed,
		limiter:  cfg.Limiter,
		clock:    c,
	}
}

// Presence returns the table the router maintains. Callers must treat it as
// read-only.
func (r *Router) Presence() *presence.Table {
	return r.presence
}

// Announce binds username to the connection, makes it the user's routed
// connection and broadcasts the new online set. Announcing again simply
// overwrites the mapping; an older connection for the same user is orphaned
// but left open.
func (r *Router) Announce(ctx context.Context, connID, username string) (err error) {
	defer r.observe(protocol.TypeAnnounce, &err)

	if username == "" {
		return ErrInvalidUsername
	}
	if _, err := r.sessions.Identify(connID, username); err != nil {
		return err
	}

	mu := r.connLock(connID)
	mu.Lock()
	defer mu.Unlock()

	// Disconnect may have run while the session was being identified. It
	// found nothing to remove, so the mapping must not be created.
	if sess, ok := r.sessions.Get(connID); !ok || sess.State == session.StateClosed {
		return session.ErrClosed
	}

	prev, had := r.presence.Announce(username, connID)
	if had && prev != connID {
		log.Printf("[router] %s moved from conn=%s to conn=%s", username, prev, connID)
	}
	metrics.OnlineUsers.Set(float64(r.presence.Len()))

	start := time.Now()
	if err := r.users.SetOnline(ctx, username); err != nil {
		log.Printf("[router] mark %s online: %v", username, err)
	}
	metrics.StoreLatency.WithLabelValues("set_online").Observe(time.Since(start).Seconds())

	r.broadcastPresence()
	return nil
}

// Send persists a message and delivers it to the receiver's routed
// connection, if any, and back to the sending connection. Text that is empty
// after trimming is dropped without error.
func (r *Router) Send(ctx context.Context, connID string, msg protocol.SendMessageMsg) (err error) {
	defer r.observe(protocol.TypeSendMessage, &err)

	sess, err := r.identified(connID)
	if err != nil {
		return err
	}
	if msg.Sender != sess.Username {
		return ErrSenderMismatch
	}
	if err := chat.ValidateMessage(msg.Text); err != nil {
		if errors.Is(err, chat.ErrEmpty) {
			return errIgnored
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Receiver == "" {
		return fmt.Errorf("%w: missing receiver", ErrInvalidMessage)
	}

	if r.limiter != nil {
		allowed, _ := r.limiter.Allow(ctx, msg.Sender, ratelimit.RuleSend)
		if !allowed {
			return &RateLimitError{
				Event:      protocol.TypeSendMessage,
				RetryAfter: r.limiter.RetryAfter(ctx, msg.Sender, ratelimit.RuleSend),
			}
		}
	}

	mu := r.pairLock(msg.Sender, msg.Receiver)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	saved, err := r.messages.Insert(ctx, store.Message{
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Text:     msg.Text,
	})
	metrics.StoreLatency.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("router: send: %w", err)
	}

	frame, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message:  *saved,
		ClientID: msg.ClientID,
	})
	if err != nil {
		return err
	}

	if h, ok := r.presence.Resolve(msg.Receiver); ok && h != connID {
		r.deliver(h, frame)
	} else if !ok {
		metrics.DeliveriesTotal.WithLabelValues("offline").Inc()
	}
	r.deliver(connID, frame)

	r.publish(messaging.KindMessageCreated, saved)
	return nil
}

// Typing forwards a typing or stopTyping indicator to the receiver. Nothing
// is stored and nothing happens when the receiver is offline.
func (r *Router) Typing(ctx context.Context, connID, eventType string, msg protocol.TypingMsg) (err error) {
	defer r.observe(eventType, &err)

	sess, err := r.identified(connID)
	if err != nil {
		return err
	}
	if msg.Sender != sess.Username {
		return ErrSenderMismatch
	}

	h, ok := r.presence.Resolve(msg.Receiver)
	if !ok {
		metrics.DeliveriesTotal.WithLabelValues("offline").Inc()
		return errIgnored
	}

	frame, err := protocol.NewServerMessage(eventType, protocol.ServerTypingMsg{Sender: msg.Sender})
	if err != nil {
		return err
	}
	r.deliver(h, frame)
	return nil
}

// MarkRead flags the listed messages as read and acknowledges them to their
// author. Only ids of messages sent by msg.Sender to the connection's user
// are touched or acknowledged; the rest are skipped. A payload whose
// messageIds is not a list is dropped.
func (r *Router) MarkRead(ctx context.Context, connID string, msg protocol.MarkReadMsg) (err error) {
	defer r.observe(protocol.TypeMarkRead, &err)

	if !msg.IsList {
		return errIgnored
	}
	sess, err := r.identified(connID)
	if err != nil {
		return err
	}
	if msg.Receiver != sess.Username {
		return ErrSenderMismatch
	}
	if len(msg.MessageIDs) == 0 {
		return errIgnored
	}

	start := time.Now()
	matched, n, err := r.messages.MarkRead(ctx, msg.Sender, sess.Username, msg.MessageIDs)
	metrics.StoreLatency.WithLabelValues("mark_read").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("router: mark read: %w", err)
	}
	if len(matched) == 0 {
		return errIgnored
	}

	if h, ok := r.presence.Resolve(msg.Sender); ok {
		frame, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
			MessageIDs: matched,
		})
		if err != nil {
			return err
		}
		r.deliver(h, frame)
	} else {
		metrics.DeliveriesTotal.WithLabelValues("offline").Inc()
	}

	if n > 0 {
		r.publish(messaging.KindMessagesRead, map[string]interface{}{
			"messageIds": matched,
			"sender":     msg.Sender,
			"receiver":   msg.Receiver,
			"updated":    n,
		})
	}
	return nil
}

// DeleteMessage deletes a message on behalf of the connection's user. An
// unknown id returns store.ErrNotFound and emits nothing.
func (r *Router) DeleteMessage(ctx context.Context, connID, messageID string) (err error) {
	defer r.observe(protocol.TypeDeleteMessage, &err)

	sess, err := r.identified(connID)
	if err != nil {
		return err
	}
	return r.deleteMessage(ctx, sess.Username, messageID)
}

// Delete deletes a message on behalf of actor, as the REST endpoint does,
// and notifies both participants' routed connections.
func (r *Router) Delete(ctx context.Context, actor, messageID string) (err error) {
	defer r.observe(protocol.TypeDeleteMessage, &err)
	return r.deleteMessage(ctx, actor, messageID)
}

func (r *Router) deleteMessage(ctx context.Context, actor, messageID string) error {
	start := time.Now()
	m, err := r.messages.FindMessage(ctx, messageID)
	metrics.StoreLatency.WithLabelValues("find_message").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("router: delete: %w", err)
	}
	if !m.Participant(actor) {
		return ErrForbidden
	}

	start = time.Now()
	err = r.messages.Delete(ctx, messageID)
	metrics.StoreLatency.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("router: delete: %w", err)
	}

	frame, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID: messageID,
	})
	if err != nil {
		return err
	}

	sent := make(map[string]bool, 2)
	for _, u := range []string{m.Sender, m.Receiver} {
		h, ok := r.presence.Resolve(u)
		if !ok || sent[h] {
			continue
		}
		sent[h] = true
		r.deliver(h, frame)
	}

	r.publish(messaging.KindMessageDeleted, map[string]string{
		"messageId": messageID,
		"sender":    m.Sender,
		"receiver":  m.Receiver,
		"deletedBy": actor,
	})
	return nil
}

// Disconnect runs the close effect of a connection exactly once: every
// username still routed to it goes offline with lastSeen set, and the online
// set is broadcast if it changed.
func (r *Router) Disconnect(ctx context.Context, connID string) {
	mu := r.connLock(connID)
	mu.Lock()
	defer mu.Unlock()

	if _, first := r.sessions.Close(connID); !first {
		return
	}

	removed := r.presence.Remove(connID)
	if len(removed) == 0 {
		return
	}
	metrics.OnlineUsers.Set(float64(r.presence.Len()))

	now := r.clock.Now()
	for _, username := range removed {
		start := time.Now()
		if err := r.users.SetOffline(ctx, username, now); err != nil {
			log.Printf("[router] mark %s offline: %v", username, err)
		}
		metrics.StoreLatency.WithLabelValues("set_offline").Observe(time.Since(start).Seconds())
	}

	r.broadcastPresence()
}

// SignOut takes username off the presence table and marks it offline, as a
// REST logout does. Connections still bound to the user stay open but are no
// longer routed, like a connection orphaned by a newer announce.
func (r *Router) SignOut(ctx context.Context, username string) error {
	_, routed := r.presence.RemoveUser(username)
	if routed {
		metrics.OnlineUsers.Set(float64(r.presence.Len()))
	}

	start := time.Now()
	err := r.users.SetOffline(ctx, username, r.clock.Now())
	metrics.StoreLatency.WithLabelValues("set_offline").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("router: sign out: %w", err)
	}

	if routed {
		r.broadcastPresence()
	}
	return nil
}

// errIgnored marks validation no-ops internally. It never leaves the package.
var errIgnored = errors.New("router: ignored")

func (r *Router) identified(connID string) (session.Session, error) {
	sess, ok := r.sessions.Get(connID)
	if !ok || sess.State != session.StateIdentified {
		return session.Session{}, ErrNotIdentified
	}
	r.sessions.Touch(connID)
	return sess, nil
}

func (r *Router) broadcastPresence() {
	online := r.presence.ListOnline()
	frame, err := protocol.NewServerMessage(protocol.TypePresenceChanged, protocol.PresenceChangedMsg{
		OnlineUsernames: online,
	})
	if err != nil {
		log.Printf("[router] build presence frame: %v", err)
		return
	}
	r.fanout.Broadcast(frame)
	r.publish(messaging.KindPresenceChanged, map[string][]string{"onlineUsernames": online})
}

func (r *Router) deliver(connID string, frame []byte) {
	if err := r.fanout.SendMessage(connID, frame); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
		log.Printf("[router] deliver to conn=%s: %v", connID, err)
		return
	}
	metrics.DeliveriesTotal.WithLabelValues("queued").Inc()
}

func (r *Router) publish(kind string, payload interface{}) {
	if r.feed == nil {
		return
	}
	if err := r.feed.PublishEvent(kind, payload); err != nil {
		log.Printf("[router] publish %s: %v", kind, err)
	}
}

func (r *Router) pairLock(sender, receiver string) *sync.Mutex {
	return &r.pairs[stripe(sender, receiver)]
}

func (r *Router) connLock(connID string) *sync.Mutex {
	return &r.conns[stripe(connID)]
}

func stripe(parts ...string) uint32 {
	h := fnv.New32a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return h.Sum32() % lockStripes
}

// observe counts the event by outcome and turns errIgnored into nil.
func (r *Router) observe(eventType string, errp *error) {
	err := *errp
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, errIgnored), errors.Is(err, store.ErrNotFound):
		outcome = "ignored"
	case errors.Is(err, ErrNotIdentified), errors.Is(err, ErrSenderMismatch),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrInvalidUsername), errors.Is(err, ErrRateLimited),
		errors.Is(err, session.ErrIdentityMismatch), errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrUnknown):
		outcome = "rejected"
	default:
		outcome = "failed"
	}
	metrics.EventsTotal.WithLabelValues(eventType, outcome).Inc()

	if errors.Is(err, errIgnored) {
		*errp = nil
	}
}
