// Package store defines the persisted chat records (users and messages) and
// the storage contracts the router and the REST handlers depend on. Concrete
// implementations live in the memory and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user or message does not exist.
var ErrNotFound = errors.New("store: not found")

// User is a chat participant. Username is the stable identity (the Google
// account email) and never changes after creation.
type User struct {
	Username string     `json:"username"`
	Name     string     `json:"name"`
	Avatar   string     `json:"avatar"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen"`
}

// Contact is a User annotated with the number of unread messages that user
// has sent to the viewer.
type Contact struct {
	User
	Unread int `json:"unread"`
}

// Message is a single one-to-one chat message. Read only ever moves from
// false to true.
type Message struct {
	ID        string    `json:"_id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// Participant reports whether username is the sender or the receiver.
func (m *Message) Participant(username string) bool {
	return m.Sender == username || m.Receiver == username
}

// UserStore persists chat users.
type UserStore interface {
	// Upsert creates the user or refreshes its name and avatar.
	Upsert(ctx context.Context, u User) (*User, error)
	// FindUser returns ErrNotFound when username is unknown.
	FindUser(ctx context.Context, username string) (*User, error)
	// List returns every user ordered by username.
	List(ctx context.Context) ([]User, error)
	// SetOnline marks the user online. Unknown users are ignored.
	SetOnline(ctx context.Context, username string) error
	// SetOffline marks the user offline and records lastSeen.
	SetOffline(ctx context.Context, username string, lastSeen time.Time) error
}

// MessageStore persists chat messages.
type MessageStore interface {
	// Insert assigns an ID if m.ID is empty and stores the message unread.
	Insert(ctx context.Context, m Message) (*Message, error)
	// FindMessage returns ErrNotFound when id is unknown.
	FindMessage(ctx context.Context, id string) (*Message, error)
	// Conversation returns every message exchanged between a and b in either
	// direction, oldest first.
	Conversation(ctx context.Context, a, b string) ([]Message, error)
	// MarkRead sets read=true on those ids that name a message from sender
	// to receiver. It returns the matching ids in request order, whether or
	// not they were already read, and how many rows changed. Other ids are
	// skipped.
	MarkRead(ctx context.Context, sender, receiver string, ids []string) ([]string, int, error)
	// Delete removes a message. It returns ErrNotFound when id is unknown.
	Delete(ctx context.Context, id string) error
	// CountUnread counts unread messages from sender to receiver.
	CountUnread(ctx context.Context, sender, receiver string) (int, error)
}

// Contacts builds the contact list for viewer: every other user with the
// number of unread messages they have sent to the viewer.
func Contacts(ctx context.Context, users UserStore, messages MessageStore, viewer string) ([]Contact, error) {
	all, err := users.List(ctx)
	if err != nil {
		return nil, err
	}

	contacts := make([]Contact, 0, len(all))
	for _, u := range all {
		if u.Username == viewer {
			continue
		}
		n, err := messages.CountUnread(ctx, u.Username, viewer)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, Contact{User: u, Unread: n})
	}
	return contacts, nil
}
