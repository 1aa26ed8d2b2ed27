// Package kv is an in-process key/value store with per-key TTL, LRU eviction
// by byte capacity and prefix scans. It backs the registry when the mesh
// runs without an external store (single-process deployments and tests).
package kv

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Store is a minimal in-memory KV with TTL and LRU eviction by bytes capacity.
type Store struct {
	mu   sync.RWMutex
	data map[string]*list.Element
	ll   *list.List
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

func (s *Store) Put(key string, val []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}

	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= len(old.value)
		old.value = append([]byte(nil), val...)
		old.expireAt = exp
		s.used += len(old.value)
		s.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: append([]byte(nil), val...), expireAt: exp}
		s.data[key] = s.ll.PushFront(e)
		s.used += len(e.value)
	}
	s.evictIfNeeded()
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.expired(s.now()) {
		s.removeElement(el)
		return nil, false
	}
	s.ll.MoveToFront(el)
	return append([]byte(nil), e.value...), true
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[key]
	if ok {
		s.removeElement(el)
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Set is Put with a context, matching the registry store contract.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Put(key, val, ttl)
	return nil
}

// Scan returns copies of every live value whose key starts with prefix.
// Expired entries met on the way are dropped. Scans do not touch recency.
func (s *Store) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string][]byte)
	for key, el := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		e := el.Value.(*entry)
		if e.expired(now) {
			s.removeElement(el)
			continue
		}
		out[key] = append([]byte(nil), e.value...)
	}
	return out, nil
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
