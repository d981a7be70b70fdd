package state

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
	ErrLockHeld    = errors.New("lock already held")
	ErrLockNotHeld = errors.New("lock not held")
	ErrLockExpired = errors.New("lock expired")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidTTL  = errors.New("invalid TTL")
)

// Entry is a stored value with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// Store is a key-value store with advisory locks.
type Store interface {
	// Get returns ErrNotFound for missing or expired keys.
	Get(key string) ([]byte, error)

	// GetEntry is Get plus revision metadata.
	GetEntry(key string) (*Entry, error)

	// Put stores value. ttl 0 keeps the key until deleted; backends without
	// per-key expiry apply their own retention instead.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes key. Missing keys are not an error.
	Delete(key string) error

	// Keys lists keys matching pattern, "*" allowed as a trailing wildcard.
	Keys(pattern string) ([]string, error)

	// Lock takes the named lock for ttl or fails with ErrLockHeld.
	// An expired lock may be taken over.
	Lock(key string, ttl time.Duration) (Lock, error)

	Close() error
}

// Lock is a held advisory lock.
type Lock interface {
	// Unlock releases the lock. Releasing twice returns ErrLockNotHeld.
	Unlock() error

	// Refresh extends the lock by its original ttl. It fails with
	// ErrLockExpired once the lock was lost.
	Refresh() error

	Key() string
}

// ValidateKey rejects empty, dotted-edge, whitespace and overlong keys.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\n") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL rejects negative durations.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern reports whether key matches pattern. A trailing * matches
// any suffix.
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
