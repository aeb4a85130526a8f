package local

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

// LocalCache is an in-process cache used when no Redis is configured.
// KV entries live in a ttlcache with per-key expiry; sets never expire.
type LocalCache struct {
	kv         *ttlcache.Cache[string, string]
	sets       sync.Map // key → *lockedSet
	refMu      sync.Mutex
	refs       map[string]map[string]int64 // refKey → member → count
	gcInterval time.Duration
	stopGC     chan struct{}
	closeOnce  sync.Once
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		// reads must not extend a marker's lifetime
		kv:         ttlcache.New[string, string](ttlcache.WithDisableTouchOnHit[string, string]()),
		refs:       make(map[string]map[string]int64),
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Close stops the background GC goroutine. Safe to call more than once.
func (c *LocalCache) Close() error {
	c.closeOnce.Do(func() { close(c.stopGC) })
	return nil
}

func (c *LocalCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.kv.DeleteExpired()
		case <-c.stopGC:
			return
		}
	}
}

// ---- KV ----

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	item := c.kv.Get(key)
	if item == nil || item.IsExpired() {
		return "", ErrNotFound
	}
	return item.Value(), nil
}

// Set stores value under key. A non-positive ttl stores it without expiry.
// An existing entry is replaced together with its expiry.
func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	c.kv.Set(key, value, ttl)
	return nil
}

func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.kv.Delete(k)
	}
	return nil
}

// TTL returns the remaining lifetime of key, or -1 when it never expires.
func (c *LocalCache) TTL(_ context.Context, key string) (time.Duration, error) {
	item := c.kv.Get(key)
	if item == nil || item.IsExpired() {
		return 0, ErrNotFound
	}
	if item.TTL() <= 0 {
		return -1, nil
	}
	return time.Until(item.ExpiresAt()), nil
}

// ---- Set ----

type lockedSet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func (c *LocalCache) getOrCreateSet(key string) *lockedSet {
	v, _ := c.sets.LoadOrStore(key, &lockedSet{members: make(map[string]struct{})})
	return v.(*lockedSet)
}

func (c *LocalCache) SAdd(_ context.Context, key string, members ...string) error {
	s := c.getOrCreateSet(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		s.members[m] = struct{}{}
	}
	return nil
}

func (c *LocalCache) SRem(_ context.Context, key string, members ...string) error {
	s := c.getOrCreateSet(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.members, m)
	}
	return nil
}

func (c *LocalCache) SMembers(_ context.Context, key string) ([]string, error) {
	s := c.getOrCreateSet(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.members))
	for m := range s.members {
		result = append(result, m)
	}
	return result, nil
}

func (c *LocalCache) SIsMember(_ context.Context, key, member string) (bool, error) {
	s := c.getOrCreateSet(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[member]
	return ok, nil
}

// ---- Reference-counted membership ----

func (c *LocalCache) SAddRef(ctx context.Context, key, refKey, member string) (int64, error) {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	counts := c.refs[refKey]
	if counts == nil {
		counts = make(map[string]int64)
		c.refs[refKey] = counts
	}
	counts[member]++
	return counts[member], c.SAdd(ctx, key, member)
}

func (c *LocalCache) SRemRef(ctx context.Context, key, refKey, member string) (int64, error) {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	counts := c.refs[refKey]
	if counts != nil && counts[member] > 1 {
		counts[member]--
		return counts[member], nil
	}
	if counts != nil {
		delete(counts, member)
	}
	return 0, c.SRem(ctx, key, member)
}
