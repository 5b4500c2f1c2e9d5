// Package cache implements the expiring read-through cache that keeps
// previously fetched entities available while the remote store is out of
// reach.
//
// Entries are persisted on a storage.Device as JSON objects of the form
// {"data": ..., "timestamp": <unix ms>, "expiry": <ttl ms>}. Expiry is only
// checked on read: an expired entry is evicted and reported as a miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/luoyjx/tidesync/proto"
	"github.com/luoyjx/tidesync/storage"
)

// KeyPrefix separates cache entries from other users of the device
const KeyPrefix = "cache:"

// DefaultTTL keeps entries for a day; the cache exists to survive a lost
// connection, not to bound staleness.
const DefaultTTL = 24 * time.Hour

// Key addresses one cached value: a namespace (entity type) and an optional
// entity id.
type Key struct {
	Namespace string
	ID        string
}

// NewKey returns the key for a whole entity list
func NewKey(namespace string) Key {
	return Key{Namespace: namespace}
}

// NewEntityKey returns the key for a single entity
func NewEntityKey(namespace, id string) Key {
	return Key{Namespace: namespace, ID: id}
}

// Validate rejects keys that could collide with another key
func (k Key) Validate() error {
	if strings.TrimSpace(k.Namespace) == "" {
		return fmt.Errorf("cache key namespace is required")
	}
	if strings.Contains(k.Namespace, ":") || strings.Contains(k.ID, ":") {
		return fmt.Errorf("cache key %q: namespace and id must not contain ':'", k.String())
	}
	return nil
}

// String returns the device key, e.g. cache:stages or cache:stages:stage_42
func (k Key) String() string {
	if k.ID == "" {
		return KeyPrefix + k.Namespace
	}
	return KeyPrefix + k.Namespace + ":" + k.ID
}

// Entry is the persisted form of a cached value
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`        // write time, unix ms
	Expiry    int64           `json:"expiry,omitempty"` // ttl in ms
}

// WrittenAt returns the write time of the entry
func (e *Entry) WrittenAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// TTL returns the entry time-to-live
func (e *Entry) TTL() time.Duration {
	return time.Duration(e.Expiry) * time.Millisecond
}

// Expired reports whether now - writtenAt > ttl
func (e *Entry) Expired(now time.Time) bool {
	if e.Expiry <= 0 {
		return false
	}
	return now.UnixMilli()-e.Timestamp > e.Expiry
}

// Metadata describes a cache hit
type Metadata struct {
	WrittenAt time.Time
	TTL       time.Duration
}

// Config tunes a Store
type Config struct {
	DefaultTTL    time.Duration
	NamespaceTTLs map[string]time.Duration
	Now           func() time.Time
	Logger        *log.Logger
}

// Store is a namespaced key/value cache with per-entry TTL over a device.
// It exclusively owns the keys under KeyPrefix.
type Store struct {
	mu         sync.Mutex
	device     storage.Device
	defaultTTL time.Duration
	ttls       map[string]time.Duration
	now        func() time.Time
	logger     *log.Logger
}

// NewStore creates a cache store with default settings
func NewStore(device storage.Device) *Store {
	return NewStoreWithConfig(device, Config{})
}

// NewStoreWithConfig creates a cache store
func NewStoreWithConfig(device storage.Device, cfg Config) *Store {
	s := &Store{
		device:     device,
		defaultTTL: cfg.DefaultTTL,
		ttls:       make(map[string]time.Duration, len(cfg.NamespaceTTLs)),
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}
	for ns, ttl := range cfg.NamespaceTTLs {
		s.ttls[ns] = ttl
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

// TTLFor returns the TTL applied to namespace when Put gets no explicit ttl
func (s *Store) TTLFor(namespace string) time.Duration {
	if ttl, ok := s.ttls[namespace]; ok && ttl > 0 {
		return ttl
	}
	return s.defaultTTL
}

// Put overwrites the entry for key, stamping the current time. A ttl of
// zero or less selects the namespace TTL. Persistence failures are returned
// wrapped in proto.ErrPersistence.
func (s *Store) Put(ctx context.Context, key Key, value any, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.TTLFor(key.Namespace)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value %s: %w", key, err)
	}
	entry := Entry{
		Data:      data,
		Timestamp: s.now().UnixMilli(),
		// rounded up so an entry never expires before its ttl
		Expiry: int64((ttl + time.Millisecond - 1) / time.Millisecond),
	}
	if entry.Expiry <= 0 {
		entry.Expiry = 1
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.device.SetString(ctx, key.String(), string(encoded)); err != nil {
		return proto.PersistenceError("write cache entry "+key.String(), err)
	}
	return nil
}

// Get decodes the live entry for key into dest. It reports false when there
// is no entry or the entry has expired; an expired entry is evicted.
func (s *Store) Get(ctx context.Context, key Key, dest any) (Metadata, bool, error) {
	if err := key.Validate(); err != nil {
		return Metadata{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.device.GetString(ctx, key.String())
	if err != nil {
		return Metadata{}, false, proto.PersistenceError("read cache entry "+key.String(), err)
	}
	if !ok {
		return Metadata{}, false, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		s.logger.Printf("cache: evicting undecodable entry %s: %v", key, err)
		s.evictLocked(ctx, key)
		return Metadata{}, false, nil
	}

	if entry.Expired(s.now()) {
		s.evictLocked(ctx, key)
		return Metadata{}, false, nil
	}

	if dest != nil {
		if err := json.Unmarshal(entry.Data, dest); err != nil {
			return Metadata{}, false, fmt.Errorf("decode cache value %s: %w", key, err)
		}
	}
	return Metadata{WrittenAt: entry.WrittenAt(), TTL: entry.TTL()}, true, nil
}

// GetRaw returns the live entry for key without decoding its data
func (s *Store) GetRaw(ctx context.Context, key Key) (*Entry, bool, error) {
	var data json.RawMessage
	meta, ok, err := s.Get(ctx, key, &data)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &Entry{
		Data:      data,
		Timestamp: meta.WrittenAt.UnixMilli(),
		Expiry:    meta.TTL.Milliseconds(),
	}, true, nil
}

// evictLocked removes an expired entry. Failing to evict is not fatal: the
// entry stays expired and is never returned.
func (s *Store) evictLocked(ctx context.Context, key Key) {
	if err := s.device.RemoveKey(ctx, key.String()); err != nil {
		s.logger.Printf("cache: failed to evict %s: %v", key, err)
	}
}

// Remove deletes one entry
func (s *Store) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.device.RemoveKey(ctx, key.String()); err != nil {
		return proto.PersistenceError("remove cache entry "+key.String(), err)
	}
	return nil
}

// Clear removes every entry of namespace, including its per-entity entries.
// An empty namespace clears the whole cache.
func (s *Store) Clear(ctx context.Context, namespace string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.device.Keys(ctx, KeyPrefix+namespace)
	if err != nil {
		return 0, proto.PersistenceError("list cache entries", err)
	}

	removed := 0
	for _, k := range keys {
		if namespace != "" && !inNamespace(k, namespace) {
			continue
		}
		if err := s.device.RemoveKey(ctx, k); err != nil {
			return removed, proto.PersistenceError("remove cache entry "+k, err)
		}
		removed++
	}
	return removed, nil
}

// Keys lists the cache keys currently on the device, expired ones included
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.device.Keys(ctx, KeyPrefix+namespace)
	if err != nil {
		return nil, proto.PersistenceError("list cache entries", err)
	}
	if namespace == "" {
		return keys, nil
	}
	filtered := keys[:0]
	for _, k := range keys {
		if inNamespace(k, namespace) {
			filtered = append(filtered, k)
		}
	}
	return filtered, nil
}

// inNamespace guards against prefix matches such as "games" vs "game_cards"
func inNamespace(deviceKey, namespace string) bool {
	rest := strings.TrimPrefix(deviceKey, KeyPrefix+namespace)
	return rest == "" || strings.HasPrefix(rest, ":")
}
