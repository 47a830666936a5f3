// Package domain contains core domain types for the proxy.
package domain

import (
	"time"
)

// Session describes the one authenticated automation context held against
// the remote chat surface.
type Session struct {
	ProfileDir string
	ProxyURL   string
	Alive      bool
	CreatedAt  time.Time
	LastUsedAt time.Time
	// Turns counts completed generations in the current remote conversation.
	Turns int
}

// MarkUsed records a successful use of the session.
func (s *Session) MarkUsed() {
	s.LastUsedAt = time.Now()
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	if s.CreatedAt.IsZero() {
		return 0
	}
	return time.Since(s.CreatedAt)
}
