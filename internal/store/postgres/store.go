// Package postgres provides PostgreSQL-backed user and message storage.
// Messages are keyed by a server-generated UUID; a BIGSERIAL seq column keeps
// the send order stable for messages sharing a created_at timestamp.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tandem/chat-app/internal/clock"
	"github.com/tandem/chat-app/internal/store"
)

var (
	_ store.UserStore    = (*Store)(nil)
	_ store.MessageStore = (*Store)(nil)
)

// Store manages users and messages in PostgreSQL.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open connects to the database at dsn using the lib/pq driver and verifies
// the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a Store on an open database handle. A nil clock falls
// back to the real clock.
func NewStore(db *sql.DB, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{db: db, clock: c}
}

// Upsert inserts the user or refreshes its profile fields.
func (s *Store) Upsert(ctx context.Context, u store.User) (*store.User, error) {
	const query = `
		INSERT INTO users (username, name, avatar)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET name = EXCLUDED.name, avatar = EXCLUDED.avatar
		RETURNING username, name, avatar, online, last_seen`

	out, err := scanUser(s.db.QueryRowContext(ctx, query, u.Username, u.Name, u.Avatar))
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert user: %w", err)
	}
	return out, nil
}

// FindUser looks a user up by username.
func (s *Store) FindUser(ctx context.Context, username string) (*store.User, error) {
	const query = `SELECT username, name, avatar, online, last_seen FROM users WHERE username = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find user: %w", err)
	}
	return u, nil
}

// List returns every user ordered by username.
func (s *Store) List(ctx context.Context) ([]store.User, error) {
	const query = `SELECT username, name, avatar, online, last_seen FROM users ORDER BY username`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var users []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	return users, nil
}

// SetOnline marks the user online.
func (s *Store) SetOnline(ctx context.Context, username string) error {
	const query = `UPDATE users SET online = TRUE WHERE username = $1`
	if _, err := s.db.ExecContext(ctx, query, username); err != nil {
		return fmt.Errorf("postgres: set online: %w", err)
	}
	return nil
}

// SetOffline marks the user offline and records lastSeen.
func (s *Store) SetOffline(ctx context.Context, username string, lastSeen time.Time) error {
	const query = `UPDATE users SET online = FALSE, last_seen = $2 WHERE username = $1`
	if _, err := s.db.ExecContext(ctx, query, username, lastSeen); err != nil {
		return fmt.Errorf("postgres: set offline: %w", err)
	}
	return nil
}

// Insert stores an unread message.
func (s *Store) Insert(ctx context.Context, m store.Message) (*store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}
	m.Read = false

	const query = `
		INSERT INTO messages (id, sender, receiver, text, created_at, read)
		VALUES ($1, $2, $3, $4, $5, FALSE)`

	if _, err := s.db.ExecContext(ctx, query, m.ID, m.Sender, m.Receiver, m.Text, m.CreatedAt); err != nil {
		return nil, fmt.Errorf("postgres: insert message: %w", err)
	}
	return &m, nil
}

// FindMessage looks a message up by id.
func (s *Store) FindMessage(ctx context.Context, id string) (*store.Message, error) {
	const query = `SELECT id, sender, receiver, text, created_at, read FROM messages WHERE id = $1`

	var m store.Message
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Sender, &m.Receiver, &m.Text, &m.CreatedAt, &m.Read)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find message: %w", err)
	}
	return &m, nil
}

// Conversation returns the messages exchanged between a and b, oldest first.
func (s *Store) Conversation(ctx context.Context, a, b string) ([]store.Message, error) {
	const query = `
		SELECT id, sender, receiver, text, created_at, read
		FROM messages
		WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("postgres: conversation: %w", err)
	}
	defer rows.Close()

	msgs := make([]store.Message, 0)
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Text, &m.CreatedAt, &m.Read); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: conversation: %w", err)
	}
	return msgs, nil
}

// MarkRead locks the matching rows of the sender->receiver pair and flips
// the unread ones in a single statement.
func (s *Store) MarkRead(ctx context.Context, sender, receiver string, ids []string) ([]string, int, error) {
	if len(ids) == 0 {
		return nil, 0, nil
	}

	const query = `
		WITH hit AS (
			SELECT id, read FROM messages
			WHERE id = ANY($1) AND sender = $2 AND receiver = $3
			FOR UPDATE
		), flipped AS (
			UPDATE messages SET read = TRUE
			WHERE id IN (SELECT id FROM hit WHERE NOT read)
			RETURNING id
		)
		SELECT id, NOT read FROM hit`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids), sender, receiver)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: mark read: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	changed := 0
	for rows.Next() {
		var (
			id      string
			flipped bool
		)
		if err := rows.Scan(&id, &flipped); err != nil {
			return nil, 0, fmt.Errorf("postgres: mark read: %w", err)
		}
		found[id] = true
		if flipped {
			changed++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: mark read: %w", err)
	}

	var matched []string
	for _, id := range ids {
		if found[id] {
			matched = append(matched, id)
			delete(found, id)
		}
	}
	return matched, changed, nil
}

// Delete hard-deletes a message.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CountUnread counts unread messages from sender to receiver.
func (s *Store) CountUnread(ctx context.Context, sender, receiver string) (int, error) {
	const query = `SELECT COUNT(*) FROM messages WHERE sender = $1 AND receiver = $2 AND NOT read`

	var n int
	if err := s.db.QueryRowContext(ctx, query, sender, receiver).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count unread: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*store.User, error) {
	var (
		u        store.User
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.Username, &u.Name, &u.Avatar, &u.Online, &lastSeen); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeen = &t
	}
	return &u, nil
}
