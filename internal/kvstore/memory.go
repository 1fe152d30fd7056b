package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-process dev
// mode. It honors TTLs lazily: expired entries are dropped on access.
// Never use it behind more than one server process.
type MemoryStore struct {
	mu     sync.Mutex
	vals   map[string]memEntry
	lists  map[string]*memList
	sets   map[string]*memSet
	subs   map[string]map[int]Handler
	nextID int
	now    func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memList struct {
	items     []string
	expiresAt time.Time
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vals:  make(map[string]memEntry),
		lists: make(map[string]*memList),
		sets:  make(map[string]*memSet),
		subs:  make(map[string]map[int]Handler),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vals[key]
	if !ok || expired(e.expiresAt, s.now()) {
		delete(s.vals, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.vals[key]; ok && !expired(e.expiresAt, s.now()) {
		return false, nil
	}
	s.vals[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	delete(s.lists, key)
	delete(s.sets, key)
	return nil
}

func (s *MemoryStore) list(key string) *memList {
	l, ok := s.lists[key]
	if !ok || expired(l.expiresAt, s.now()) {
		l = &memList{}
		s.lists[key] = l
	}
	return l
}

func (s *MemoryStore) ListAppend(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(key)
	l.items = append(l.items, value)
	return nil
}

// clampRange converts redis-style inclusive (possibly negative) indexes
// into go slice bounds over a list of length n.
func clampRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (s *MemoryStore) ListTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(key)
	lo, hi, ok := clampRange(start, stop, int64(len(l.items)))
	if !ok {
		delete(s.lists, key)
		return nil
	}
	l.items = append([]string(nil), l.items[lo:hi+1]...)
	return nil
}

func (s *MemoryStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || expired(l.expiresAt, s.now()) {
		delete(s.lists, key)
		return nil, nil
	}
	lo, hi, ok := clampRange(start, stop, int64(len(l.items)))
	if !ok {
		return nil, nil
	}
	return append([]string(nil), l.items[lo:hi+1]...), nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.expiry(ttl)
	if e, ok := s.vals[key]; ok {
		e.expiresAt = at
		s.vals[key] = e
	}
	if l, ok := s.lists[key]; ok {
		l.expiresAt = at
	}
	if set, ok := s.sets[key]; ok {
		set.expiresAt = at
	}
	return nil
}

func (s *MemoryStore) set(key string) *memSet {
	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt, s.now()) {
		set = &memSet{members: make(map[string]struct{})}
		s.sets[key] = set
	}
	return set
}

func (s *MemoryStore) SetAdd(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key).members[member] = struct{}{}
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set.members, member)
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt, s.now()) {
		return nil, nil
	}
	out := make([]string, 0, len(set.members))
	for m := range set.members {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) SetContains(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt, s.now()) {
		return false, nil
	}
	_, ok = set.members[member]
	return ok, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs[channel]))
	for _, h := range s.subs[channel] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	// Deliver outside the lock so handlers may call back into the store.
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string, handler Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]Handler)
	}
	id := s.nextID
	s.nextID++
	s.subs[channel][id] = handler

	cancel := func() {
		s.mu.Lock()
		delete(s.subs[channel], id)
		s.mu.Unlock()
	}
	return cancel, nil
}

func (s *MemoryStore) Close() error { return nil }
