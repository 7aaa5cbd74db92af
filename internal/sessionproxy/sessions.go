package sessionproxy

import (
	"sync"
	"time"
)

// sessionTTL is the sliding lifetime of a session binding; reads refresh it.
const sessionTTL = time.Hour

// Sessions maps proxy session ids to the acting agent id. Tool handlers use
// it to recover the caller identity without an ambient execution context.
type Sessions struct {
	mu      sync.Mutex
	entries map[string]sessionEntry
}

type sessionEntry struct {
	agentID string
	expires time.Time
}

// NewSessions creates an empty map.
func NewSessions() *Sessions {
	return &Sessions{entries: make(map[string]sessionEntry)}
}

// Bind associates a session with an agent and arms the TTL.
func (s *Sessions) Bind(sessionID, agentID string) {
	if sessionID == "" || agentID == "" {
		return
	}
	s.mu.Lock()
	s.entries[sessionID] = sessionEntry{agentID: agentID, expires: time.Now().Add(sessionTTL)}
	s.mu.Unlock()
}

// AgentFor returns the agent bound to a session and refreshes the TTL.
func (s *Sessions) AgentFor(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expires) {
		delete(s.entries, sessionID)
		return "", false
	}
	entry.expires = time.Now().Add(sessionTTL)
	s.entries[sessionID] = entry
	return entry.agentID, true
}

// Sweep drops expired bindings.
func (s *Sessions) Sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, entry := range s.entries {
		if now.After(entry.expires) {
			delete(s.entries, sid)
		}
	}
}

// Len counts live bindings (expired entries included until the next sweep or
// read).
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
