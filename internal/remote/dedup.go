package remote

import (
	"sync"
	"time"

	"github.com/lidio601/lamassu-machine/internal/clock"
)

// seenCache drops an event delivered by several relays before it reaches the
// journal. Entries expire after ttl.
type seenCache struct {
	clock clock.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newSeenCache(c clock.Clock, ttl time.Duration) *seenCache {
	return &seenCache{
		clock: c,
		ttl:   ttl,
		seen:  make(map[string]time.Time),
	}
}

// firstSighting reports whether id is new, and marks it seen.
func (s *seenCache) firstSighting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if at, ok := s.seen[id]; ok && now.Sub(at) < s.ttl {
		return false
	}
	s.seen[id] = now
	return true
}

// expire removes entries older than ttl.
func (s *seenCache) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.ttl)
	for id, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, id)
		}
	}
}

func (s *seenCache) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
