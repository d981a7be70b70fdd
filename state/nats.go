package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const lockPrefix = "lock."

// NATSStore implements Store on a JetStream KV bucket.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	Conn   *nats.Conn
	Bucket string

	// TTL is the bucket-wide retention. Per-key TTLs passed to Put are
	// not enforced by this backend.
	TTL time.Duration

	// History is the number of revisions kept per key. Default 1.
	History int

	// MaxValueSize defaults to 1MB.
	MaxValueSize int32

	// OpTimeout bounds each KV round trip. Default 5s.
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns the defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "memoryd",
		History:      1,
		MaxValueSize: 1024 * 1024,
		OpTimeout:    5 * time.Second,
	}
}

func (c *NATSStoreConfig) applyDefaults() {
	def := DefaultNATSStoreConfig()
	if c.Bucket == "" {
		c.Bucket = def.Bucket
	}
	if c.History <= 0 {
		c.History = def.History
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = def.MaxValueSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
}

// NewNATSStore opens (creating if needed) the configured bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	cfg.applyDefaults()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

func (s *NATSStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.OpTimeout)
}

func (s *NATSStore) Get(key string) ([]byte, error) {
	e, err := s.GetEntry(key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (s *NATSStore) GetEntry(key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	kve, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return &Entry{
		Key:      kve.Key(),
		Value:    kve.Value(),
		Revision: kve.Revision(),
		Created:  kve.Created(),
	}, nil
}

func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (s *NATSStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// lockRecord is the value stored under a lock key.
type lockRecord struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func encodeLock(owner string, ttl time.Duration, now time.Time) []byte {
	data, _ := json.Marshal(lockRecord{Owner: owner, Expires: now.Add(ttl)})
	return data
}

func decodeLock(data []byte) (lockRecord, error) {
	var rec lockRecord
	err := json.Unmarshal(data, &rec)
	return rec, err
}

// Lock creates the lock key atomically. If the key exists but its record
// has expired, the lock is taken over with a revision-checked update so
// two contenders cannot both win.
func (s *NATSStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	lockKey := lockPrefix + key
	owner := uuid.NewString()

	rev, err := s.kv.Create(ctx, lockKey, encodeLock(owner, ttl, time.Now()))
	if err == nil {
		return &natsLock{store: s, key: lockKey, owner: owner, ttl: ttl, revision: rev}, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	current, err := s.kv.Get(ctx, lockKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// Released between Create and Get; the caller retries next tick.
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("inspect lock: %w", err)
	}
	rec, err := decodeLock(current.Value())
	if err == nil && time.Now().Before(rec.Expires) {
		return nil, ErrLockHeld
	}

	rev, err = s.kv.Update(ctx, lockKey, encodeLock(owner, ttl, time.Now()), current.Revision())
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("take over lock: %w", err)
	}
	return &natsLock{store: s, key: lockKey, owner: owner, ttl: ttl, revision: rev}, nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

type natsLock struct {
	store    *NATSStore
	key      string
	owner    string
	ttl      time.Duration
	revision uint64
	released atomic.Bool
}

func (l *natsLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	ctx, cancel := l.store.ctx()
	defer cancel()

	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("release lock: %w", err)
	}
	// A revision mismatch means someone took over after expiry; nothing to release.
	return nil
}

func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	ctx, cancel := l.store.ctx()
	defer cancel()

	rev, err := l.store.kv.Update(ctx, l.key, encodeLock(l.owner, l.ttl, time.Now()), l.revision)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || errors.Is(err, jetstream.ErrKeyNotFound) {
			l.released.Store(true)
			return ErrLockExpired
		}
		return fmt.Errorf("refresh lock: %w", err)
	}
	l.revision = rev
	return nil
}

func (l *natsLock) Key() string {
	return l.key
}
