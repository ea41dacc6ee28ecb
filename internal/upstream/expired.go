// ABOUTME: Bounded, TTL-limited record of request ids whose callers gave up waiting.
// ABOUTME: Lets the reader tell a late reply apart from a reply nobody ever asked for.

package upstream

import (
	"container/list"
	"sync"
	"time"
)

type expiredEntry struct {
	at      time.Time
	element *list.Element
}

// expiredSet remembers ids for ttl, evicting the oldest when full.
// Expired entries are pruned lazily on insert, so there is no background goroutine.
type expiredSet struct {
	mu      sync.Mutex
	ids     map[string]*expiredEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newExpiredSet(ttl time.Duration, maxSize int) *expiredSet {
	return &expiredSet{
		ids:     make(map[string]*expiredEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// add records id as timed out.
func (s *expiredSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if entry, ok := s.ids[id]; ok {
		entry.at = now
		s.order.MoveToBack(entry.element)
		return
	}
	if len(s.ids) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			delete(s.ids, front.Value.(string))
			s.order.Remove(front)
		}
	}
	s.ids[id] = &expiredEntry{at: now, element: s.order.PushBack(id)}
}

// take reports whether id timed out recently and forgets it.
// A late reply is reported once.
func (s *expiredSet) take(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ids[id]
	if !ok {
		return false
	}
	s.order.Remove(entry.element)
	delete(s.ids, id)
	return s.now().Sub(entry.at) < s.ttl
}

// pruneLocked drops entries older than ttl. Entries are in insertion order,
// so it stops at the first live one.
func (s *expiredSet) pruneLocked(now time.Time) {
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		id := front.Value.(string)
		if now.Sub(s.ids[id].at) < s.ttl {
			return
		}
		s.order.Remove(front)
		delete(s.ids, id)
	}
}

func (s *expiredSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
