package entity

import "sync"

// Session is the process-singleton live dialogue state held inside the
// LLM subprocess. Identified by an opaque id and bounded by the
// compression ceiling (see context.Gate).
type Session struct {
	mu         sync.RWMutex
	id         string
	started    bool
	tokenCount int64
	summary    string
}

// NewSession returns a fresh, not-yet-started session.
func NewSession() *Session {
	return &Session{}
}

// ID returns the current opaque session id.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Started reports whether the subprocess session has been initialized.
func (s *Session) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Start assigns the session id for the first time. Calling Start on an
// already-started session is a programmer error — use Compress instead.
func (s *Session) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.started = true
	s.tokenCount = 0
}

// TokenCount returns the cumulative estimated token count for the
// current session id.
func (s *Session) TokenCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenCount
}

// AddTokens accumulates estimated tokens for the current session id.
func (s *Session) AddTokens(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCount += n
}

// Summary returns the carried-over continuity summary, if any.
func (s *Session) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// Compress replaces the session id with newID, resets the token count
// to zero, and stores summary as the continuity carry-over. This is
// the only legal way to change a started session's id.
func (s *Session) Compress(newID, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = newID
	s.tokenCount = 0
	s.summary = summary
}
