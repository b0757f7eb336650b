package call

import (
	"errors"
	"sync"
)

// ErrDuplicate is returned by Registry.Add when the key is held by a live
// session.
var ErrDuplicate = errors.New("call already in progress")

// Key identifies a call within a conversation scope.
type Key struct {
	Scope  string
	CallID string
}

type entry struct {
	session *Session
	unsub   func()
}

// Registry tracks live sessions by (scope, call id). Entries remove
// themselves when their session ends.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]entry)}
}

// Get returns the live session stored under the key. A session that has
// reached a terminal state is not returned, even before its ended
// subscribers have removed the entry.
func (r *Registry) Get(scope, callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[Key{Scope: scope, CallID: callID}]
	if !ok || e.session.State().IsTerminal() {
		return nil, false
	}
	return e.session, true
}

// Has reports whether a live session is stored under the key.
func (r *Registry) Has(scope, callID string) bool {
	_, ok := r.Get(scope, callID)
	return ok
}

// Set stores the session under the key, replacing whatever was there.
// Callers that must not replace a live call use Add.
func (r *Registry) Set(scope, callID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(Key{Scope: scope, CallID: callID}, s)
}

// Add stores the session under its own key unless a live session already
// holds that key.
func (r *Registry) Add(s *Session) error {
	key := s.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && !e.session.State().IsTerminal() {
		return ErrDuplicate
	}
	r.setLocked(key, s)
	return nil
}

func (r *Registry) setLocked(key Key, s *Session) {
	if old, ok := r.entries[key]; ok {
		old.unsub()
	}
	unsub := s.OnEnded(func() {
		r.remove(key, s)
	})
	r.entries[key] = entry{session: s, unsub: unsub}
}

// remove deletes the key only while it still maps to s, so a session that
// ends late cannot evict its replacement.
func (r *Registry) remove(key Key, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.session == s {
		delete(r.entries, key)
	}
}

// Delete removes the key.
func (r *Registry) Delete(scope, callID string) {
	key := Key{Scope: scope, CallID: callID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.unsub()
		delete(r.entries, key)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.Sessions())
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.session.State().IsTerminal() {
			out = append(out, e.session)
		}
	}
	return out
}
