package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tandem/chat-app/internal/clock"
)

// State is a connection lifecycle state.
type State string

const (
	StateConnected  State = "connected"
	StateIdentified State = "identified"
	StateClosed     State = "closed"
)

var (
	// ErrUnknown is returned for a connection ID the manager never opened.
	ErrUnknown = errors.New("session: unknown connection")
	// ErrClosed is returned when identifying a connection that already closed.
	ErrClosed = errors.New("session: connection closed")
	// ErrIdentityMismatch is returned when a connection authenticated as one
	// user announces a different username.
	ErrIdentityMismatch = errors.New("session: username does not match authenticated identity")
)

// Session is the per-connection state. Identity is the user the upgrade
// request authenticated as (empty when authentication is disabled); Username
// is the name bound by announce.
type Session struct {
	ID         string
	Identity   string
	Username   string
	RemoteAddr string
	State      State
	CreatedAt  time.Time
	LastActive time.Time
}

// Mirror receives best-effort copies of lifecycle transitions.
type Mirror interface {
	Create(ctx context.Context, s Session) error
	Identify(ctx context.Context, id, username string) error
	Delete(ctx context.Context, id string) error
}

// mirrorTimeout bounds each call into the mirror.
const mirrorTimeout = 3 * time.Second

// Manager owns every live Session on this process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clock.Clock
	mirror   Mirror
}

// NewManager creates a Manager. mirror may be nil.
func NewManager(c clock.Clock, mirror Mirror) *Manager {
	if c == nil {
		c = clock.Real()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		clock:    c,
		mirror:   mirror,
	}
}

// Open registers a new connection in the Connected state.
func (m *Manager) Open(id, identity, remoteAddr string) Session {
	now := m.clock.Now()
	s := &Session{
		ID:         id,
		Identity:   identity,
		RemoteAddr: remoteAddr,
		State:      StateConnected,
		CreatedAt:  now,
		LastActive: now,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := m.mirror.Create(ctx, *s); err != nil {
			log.Printf("[session] mirror create %s: %v", id, err)
		}
	}
	return *s
}

// Identify binds username to the connection and moves it to Identified. A
// repeated announce simply rebinds.
func (m *Manager) Identify(id, username string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrUnknown
	}
	if s.State == StateClosed {
		m.mu.Unlock()
		return Session{}, ErrClosed
	}
	if s.Identity != "" && s.Identity != username {
		m.mu.Unlock()
		return Session{}, ErrIdentityMismatch
	}
	s.Username = username
	s.State = StateIdentified
	s.LastActive = m.clock.Now()
	out := *s
	m.mu.Unlock()

	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := m.mirror.Identify(ctx, id, username); err != nil {
			log.Printf("[session] mirror identify %s: %v", id, err)
		}
	}
	return out, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch records activity on the connection.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && s.State != StateClosed {
		s.LastActive = m.clock.Now()
	}
	m.mu.Unlock()
}

// Close moves the connection to Closed and forgets it. It returns the final
// snapshot and true on the first call only.
func (m *Manager) Close(id string) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.State == StateClosed {
		m.mu.Unlock()
		return Session{}, false
	}
	s.State = StateClosed
	delete(m.sessions, id)
	out := *s
	m.mu.Unlock()

	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := m.mirror.Delete(ctx, id); err != nil {
			log.Printf("[session] mirror delete %s: %v", id, err)
		}
	}
	return out, true
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	return n
}
