package kv

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// Store is an in-memory KV with expiry and eviction by bytes capacity.
// Only writes change its state: reads never reorder or purge entries, so
// replicas that apply the same writes in the same order hold the same data.
type Store struct {
	mu   sync.RWMutex
	data map[string]*list.Element
	ll   *list.List // front = most recently written
	used int
	cap  int
	now  func() time.Time
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		now:  time.Now,
	}
}

// Put stores val under key. A zero expireAt never expires.
func (s *Store) Put(key string, val []byte, expireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= len(old.value)
		old.value = append([]byte(nil), val...)
		old.expireAt = expireAt
		s.used += len(old.value)
		s.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: append([]byte(nil), val...), expireAt: expireAt}
		el := s.ll.PushFront(e)
		s.data[key] = el
		s.used += len(e.value)
	}
	s.evictIfNeeded()
}

// Get returns a copy of the value. Entries past their expiry read as absent.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.data[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[key]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

// Expire removes every entry whose expiry is at or before now.
func (s *Store) Expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
			s.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Used returns the bytes held by values.
func (s *Store) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= len(e.value)
	s.ll.Remove(el)
}
