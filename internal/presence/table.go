// Package presence tracks which user is reachable through which live
// connection on this server process.
//
// A username maps to at most one connection handle. Announcing a username
// again from another connection overwrites the mapping (last-connect-wins);
// the earlier connection stays open but stops receiving routed events.
// Removal is keyed by handle, so a stale connection closing late never
// evicts the newer mapping.
package presence

import (
	"sort"
	"sync"
)

// Table is the in-memory username -> connection handle registry. Handles are
// connection IDs, unique for the lifetime of the process. All methods are
// safe for concurrent use; Announce and Remove are serialized by one mutex.
type Table struct {
	mu       sync.RWMutex
	byUser   map[string]string              // username -> handle
	byHandle map[string]map[string]struct{} // handle -> usernames
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		byUser:   make(map[string]string),
		byHandle: make(map[string]map[string]struct{}),
	}
}

// Announce maps username to handle and returns the handle it previously
// mapped to, if any.
func (t *Table) Announce(username, handle string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.byUser[username]
	if had && prev != handle {
		t.unlink(prev, username)
	}

	t.byUser[username] = handle
	names, ok := t.byHandle[handle]
	if !ok {
		names = make(map[string]struct{}, 1)
		t.byHandle[handle] = names
	}
	names[username] = struct{}{}

	return prev, had
}

// Resolve returns the handle currently mapped to username.
func (t *Table) Resolve(username string) (string, bool) {
	t.mu.RLock()
	h, ok := t.byUser[username]
	t.mu.RUnlock()
	return h, ok
}

// Remove drops every username currently mapped to handle and returns them
// sorted. Usernames that have since been re-announced under a different
// handle are untouched.
func (t *Table) Remove(handle string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names, ok := t.byHandle[handle]
	if !ok {
		return nil
	}
	delete(t.byHandle, handle)

	removed := make([]string, 0, len(names))
	for name := range names {
		if t.byUser[name] == handle {
			delete(t.byUser, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// RemoveUser drops username regardless of which handle it maps to and
// returns that handle.
func (t *Table) RemoveUser(username string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byUser[username]
	if !ok {
		return "", false
	}
	delete(t.byUser, username)
	t.unlink(h, username)
	return h, true
}

// ListOnline returns a sorted snapshot of every mapped username.
func (t *Table) ListOnline() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.byUser))
	for name := range t.byUser {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of online usernames.
func (t *Table) Len() int {
	t.mu.RLock()
	n := len(t.byUser)
	t.mu.RUnlock()
	return n
}

// unlink removes username from handle's reverse set. Caller holds mu.
func (t *Table) unlink(handle, username string) {
	names, ok := t.byHandle[handle]
	if !ok {
		return
	}
	delete(names, username)
	if len(names) == 0 {
		delete(t.byHandle, handle)
	}
}
