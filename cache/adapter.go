package cache

import (
	"context"
	"errors"
	"time"

	"github.com/moonpointer/xschat/cache/local"
	cacheredis "github.com/moonpointer/xschat/cache/redis"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
// Both backends map their own not-found error onto it.
var ErrNotFound = errors.New("cache: key not found")

// Cache defines the KV and Set operations the chat server relies on:
// revocation markers are KV entries with a TTL, presence is a Set.
type Cache interface {
	// KV
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Set
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Reference-counted set membership. The counter for member lives in the
	// hash refKey. SAddRef increments it and adds member to key; SRemRef
	// decrements it and removes member only when it reaches zero. Both are
	// atomic against every other client of the cache and return the new
	// count.
	SAddRef(ctx context.Context, key, refKey, member string) (int64, error)
	SRemRef(ctx context.Context, key, refKey, member string) (int64, error)

	Close() error
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub defines channel publish/subscribe operations.
// The returned cancel func unsubscribes and closes the message channel.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
	Close() error
}

// CacheConfig holds configuration for both Redis and LocalCache.
type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

// NewCache returns a Cache backed by Redis if RedisAddr is set,
// otherwise returns an in-process LocalCache.
func NewCache(cfg CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		rc, err := cacheredis.NewCache(cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return &cacheAdapter{c: rc, notFound: cacheredis.ErrNotFound}, nil
	}
	lc, err := local.NewCache(local.Config{
		GCInterval: cfg.LocalGCInterval,
	})
	if err != nil {
		return nil, err
	}
	return &cacheAdapter{c: lc, notFound: local.ErrNotFound}, nil
}

// NewPubSub returns a PubSub backed by Redis if RedisAddr is set,
// otherwise returns an in-process LocalPubSub wrapped in an adapter.
func NewPubSub(cfg CacheConfig) (PubSub, error) {
	bufSize := cfg.LocalPubSubBuf
	if bufSize <= 0 {
		bufSize = 256
	}
	if cfg.RedisAddr != "" {
		rps, err := cacheredis.NewPubSub(cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return &redisPubSubAdapter{ps: rps}, nil
	}
	return &localPubSubAdapter{ps: local.NewPubSub(bufSize)}, nil
}

// ---- adapters to bridge sub-package types to the cache package ----

// backend is satisfied by both *local.LocalCache and *cacheredis.RedisCache.
type backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SAddRef(ctx context.Context, key, refKey, member string) (int64, error)
	SRemRef(ctx context.Context, key, refKey, member string) (int64, error)
	Close() error
}

type cacheAdapter struct {
	c        backend
	notFound error
}

func (a *cacheAdapter) mapErr(err error) error {
	if err != nil && errors.Is(err, a.notFound) {
		return ErrNotFound
	}
	return err
}

func (a *cacheAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.c.Get(ctx, key)
	return v, a.mapErr(err)
}

func (a *cacheAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.c.Set(ctx, key, value, ttl)
}

func (a *cacheAdapter) Del(ctx context.Context, keys ...string) error {
	return a.c.Del(ctx, keys...)
}

func (a *cacheAdapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := a.c.TTL(ctx, key)
	return d, a.mapErr(err)
}

func (a *cacheAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	return a.c.SAdd(ctx, key, members...)
}

func (a *cacheAdapter) SRem(ctx context.Context, key string, members ...string) error {
	return a.c.SRem(ctx, key, members...)
}

func (a *cacheAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.c.SMembers(ctx, key)
}

func (a *cacheAdapter) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return a.c.SIsMember(ctx, key, member)
}

func (a *cacheAdapter) SAddRef(ctx context.Context, key, refKey, member string) (int64, error) {
	return a.c.SAddRef(ctx, key, refKey, member)
}

func (a *cacheAdapter) SRemRef(ctx context.Context, key, refKey, member string) (int64, error) {
	return a.c.SRemRef(ctx, key, refKey, member)
}

func (a *cacheAdapter) Close() error { return a.c.Close() }

type localPubSubAdapter struct {
	ps *local.LocalPubSub
}

func (a *localPubSubAdapter) Publish(ctx context.Context, channel, message string) error {
	return a.ps.Publish(ctx, channel, message)
}

func (a *localPubSubAdapter) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	localCh, cancel, err := a.ps.Subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, 256)
	go func() {
		defer close(out)
		for msg := range localCh {
			out <- &Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return out, cancel, nil
}

func (a *localPubSubAdapter) Close() error {
	a.ps.Close()
	return nil
}

type redisPubSubAdapter struct {
	ps *cacheredis.RedisPubSub
}

func (a *redisPubSubAdapter) Publish(ctx context.Context, channel, message string) error {
	return a.ps.Publish(ctx, channel, message)
}

func (a *redisPubSubAdapter) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	redisCh, cancel, err := a.ps.Subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, 256)
	go func() {
		defer close(out)
		for msg := range redisCh {
			out <- &Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return out, cancel, nil
}

func (a *redisPubSubAdapter) Close() error { return a.ps.Close() }
