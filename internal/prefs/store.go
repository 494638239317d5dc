package prefs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Store is the durable key-value surface holding sync bookkeeping: backoff
// state, collection timestamps, cached metadata and alert state.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Put stores a single value.
	Put(key, value string) error

	// PutAll stores several values; file-backed stores write them atomically.
	PutAll(values map[string]string) error

	// Delete removes keys. Missing keys are ignored.
	Delete(keys ...string) error

	// Keys lists keys starting with prefix.
	Keys(prefix string) ([]string, error)

	// Close releases resources.
	Close() error
}

// CurrentVersion is the layout version written by this client.
const CurrentVersion = 1

// VersionKey holds the layout version in stores that keep it as a value.
const VersionKey = "__prefs_version"

// Errors
var (
	ErrCorrupt = errors.New("prefs file is corrupt")
	ErrClosed  = errors.New("prefs store is closed")
)

// UnknownVersionError is returned when persisted prefs were written with a
// layout this client does not understand.
type UnknownVersionError struct {
	Found    int
	Expected int
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown prefs version %d (expected %d)", e.Found, e.Expected)
}

func checkVersion(found int) error {
	if found != CurrentVersion {
		return &UnknownVersionError{Found: found, Expected: CurrentVersion}
	}
	return nil
}

// ensureVersion checks or initializes the version value of a key-value backed store.
func ensureVersion(s Store) error {
	v, ok, err := s.Get(VersionKey)
	if err != nil {
		return fmt.Errorf("read prefs version: %w", err)
	}
	if !ok {
		return s.Put(VersionKey, strconv.Itoa(CurrentVersion))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &UnknownVersionError{Found: -1, Expected: CurrentVersion}
	}
	return checkVersion(n)
}

// DeletePrefix removes every key starting with prefix.
func DeletePrefix(s Store, prefix string) error {
	keys, err := s.Keys(prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.Delete(keys...)
}

// GetString returns the value for key or def.
func GetString(s Store, key, def string) (string, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

// GetInt64 returns the integer value for key or def.
func GetInt64(s Store, key string, def int64) (int64, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return def, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("prefs %s: %w", key, err)
	}
	return n, nil
}

// PutInt64 stores an integer value.
func PutInt64(s Store, key string, v int64) error {
	return s.Put(key, strconv.FormatInt(v, 10))
}

// GetBool returns the boolean value for key or def.
func GetBool(s Store, key string, def bool) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("prefs %s: %w", key, err)
	}
	return b, nil
}

// PutBool stores a boolean value.
func PutBool(s Store, key string, v bool) error {
	return s.Put(key, strconv.FormatBool(v))
}

// Branch scopes a store under a key prefix.
type Branch struct {
	store  Store
	prefix string
}

// NewBranch returns a view of s whose keys are prefixed with prefix + ".".
func NewBranch(s Store, prefix string) *Branch {
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return &Branch{store: s, prefix: prefix}
}

// Prefix returns the branch prefix including the trailing dot.
func (b *Branch) Prefix() string {
	return b.prefix
}

// Sub returns a nested branch.
func (b *Branch) Sub(name string) *Branch {
	return NewBranch(b.store, b.prefix+name)
}

func (b *Branch) Get(key string) (string, bool, error) {
	return b.store.Get(b.prefix + key)
}

func (b *Branch) Put(key, value string) error {
	return b.store.Put(b.prefix+key, value)
}

func (b *Branch) PutAll(values map[string]string) error {
	prefixed := make(map[string]string, len(values))
	for k, v := range values {
		prefixed[b.prefix+k] = v
	}
	return b.store.PutAll(prefixed)
}

func (b *Branch) Delete(keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}
	return b.store.Delete(prefixed...)
}

// Keys lists keys under the branch, with the branch prefix removed.
func (b *Branch) Keys(prefix string) ([]string, error) {
	keys, err := b.store.Keys(b.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, b.prefix)
	}
	return keys, nil
}

// Close is a no-op; the underlying store is owned elsewhere.
func (b *Branch) Close() error {
	return nil
}
