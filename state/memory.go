package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	revision uint64
	closed   atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	expires  time.Time // zero: never
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewMemoryStore creates a store and starts its expiry sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		locks:         make(map[string]*memoryLock),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
	for key, l := range s.locks {
		if now.After(l.expires) {
			delete(s.locks, key)
		}
	}
}

// Get retrieves a copy of the value.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	e, err := s.GetEntry(key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// GetEntry retrieves a copy of the value with its revision.
func (s *MemoryStore) GetEntry(key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &Entry{
		Key:      key,
		Value:    append([]byte(nil), e.value...),
		Revision: e.revision,
		Created:  e.created,
	}, nil
}

// Put stores a copy of value.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.revision++
	e := &entry{
		value:    append([]byte(nil), value...),
		revision: s.revision,
		created:  now,
	}
	if old, ok := s.data[key]; ok && !old.expired(now) {
		e.created = old.created
	}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns matching live keys in sorted order.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if !e.expired(now) && MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock acquires the named lock.
func (s *MemoryStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockKey := lockPrefix + key
	now := time.Now()
	if held, ok := s.locks[lockKey]; ok && now.Before(held.expires) {
		return nil, ErrLockHeld
	}

	l := &memoryLock{
		store:   s,
		key:     lockKey,
		ttl:     ttl,
		expires: now.Add(ttl),
	}
	s.locks[lockKey] = l
	return l, nil
}

// Close stops the sweeper and drops all data.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.locks = nil
	return nil
}

type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time // guarded by store.mu
	released atomic.Bool
}

func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	// Only drop the entry if it is still ours; an expired lock may have
	// been taken over.
	if l.store.locks[l.key] == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	now := time.Now()
	if l.store.locks[l.key] != l || now.After(l.expires) {
		l.released.Store(true)
		return ErrLockExpired
	}
	l.expires = now.Add(l.ttl)
	return nil
}

func (l *memoryLock) Key() string {
	return l.key
}
