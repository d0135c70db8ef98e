package cloud

import (
	"sync"
	"time"
)

// session holds the bearer token triple behind a lock so that the periodic
// loops can call client methods concurrently.
type session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	schoolID  int
}

func (s *session) set(token string, expiresAt time.Time, schoolID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = expiresAt
	s.schoolID = schoolID
}

func (s *session) get() (string, time.Time, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.expiresAt, s.schoolID
}
