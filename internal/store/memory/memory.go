// Package memory provides an in-process implementation of the store
// contracts. It backs the server when no DATABASE_URL is configured and is
// the store used by the router and API tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem/chat-app/internal/clock"
	"github.com/tandem/chat-app/internal/store"
)

// Store keeps users and messages in maps guarded by a single RWMutex. It
// implements both store.UserStore and store.MessageStore.
type Store struct {
	mu       sync.RWMutex
	clock    clock.Clock
	users    map[string]*store.User
	messages map[string]*entry
	seq      uint64
}

var (
	_ store.UserStore    = (*Store)(nil)
	_ store.MessageStore = (*Store)(nil)
)

// entry pairs a message with its insertion sequence so that messages created
// within the same clock tick keep their send order.
type entry struct {
	msg store.Message
	seq uint64
}

// New creates an empty Store. A nil clock falls back to the real clock.
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:    c,
		users:    make(map[string]*store.User),
		messages: make(map[string]*entry),
	}
}

// Upsert creates the user or refreshes name and avatar on an existing one.
func (s *Store) Upsert(_ context.Context, u store.User) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.Username]
	if !ok {
		cp := u
		s.users[u.Username] = &cp
		out := cp
		return &out, nil
	}
	existing.Name = u.Name
	existing.Avatar = u.Avatar
	out := *existing
	return &out, nil
}

// FindUser returns a copy of the user.
func (s *Store) FindUser(_ context.Context, username string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *u
	return &out, nil
}

// List returns all users ordered by username.
func (s *Store) List(_ context.Context) ([]store.User, error) {
	s.mu.RLock()
	out := make([]store.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// SetOnline marks a known user online.
func (s *Store) SetOnline(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[username]; ok {
		u.Online = true
	}
	return nil
}

// SetOffline marks a known user offline and stamps lastSeen.
func (s *Store) SetOffline(_ context.Context, username string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[username]; ok {
		seen := lastSeen
		u.Online = false
		u.LastSeen = &seen
	}
	return nil
}

// Insert stores m as unread, assigning an ID and createdAt when missing.
func (s *Store) Insert(_ context.Context, m store.Message) (*store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}
	m.Read = false

	s.mu.Lock()
	s.seq++
	s.messages[m.ID] = &entry{msg: m, seq: s.seq}
	s.mu.Unlock()

	out := m
	return &out, nil
}

// FindMessage returns a copy of the message.
func (s *Store) FindMessage(_ context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := e.msg
	return &out, nil
}

// Conversation returns the messages between a and b, oldest first.
func (s *Store) Conversation(_ context.Context, a, b string) ([]store.Message, error) {
	s.mu.RLock()
	entries := make([]*entry, 0)
	for _, e := range s.messages {
		m := e.msg
		if (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].msg.CreatedAt.Equal(entries[j].msg.CreatedAt) {
			return entries[i].msg.CreatedAt.Before(entries[j].msg.CreatedAt)
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]store.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out, nil
}

// MarkRead flips read=true on the ids of unread messages from sender to
// receiver.
func (s *Store) MarkRead(_ context.Context, sender, receiver string, ids []string) ([]string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []string
	seen := make(map[string]bool, len(ids))
	changed := 0
	for _, id := range ids {
		e, ok := s.messages[id]
		if !ok || seen[id] || e.msg.Sender != sender || e.msg.Receiver != receiver {
			continue
		}
		seen[id] = true
		matched = append(matched, id)
		if !e.msg.Read {
			e.msg.Read = true
			changed++
		}
	}
	return matched, changed, nil
}

// Delete removes the message.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

// CountUnread counts unread messages from sender to receiver.
func (s *Store) CountUnread(_ context.Context, sender, receiver string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.messages {
		if e.msg.Sender == sender && e.msg.Receiver == receiver && !e.msg.Read {
			n++
		}
	}
	return n, nil
}
