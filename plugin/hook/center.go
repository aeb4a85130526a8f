// Package hook lets optional extensions observe or veto chat events without
// the core services knowing about them.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrInterrupt signals that a Hook handler wants to stop further processing.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn is a hook handler function.
// Returns (modified data, nil) to continue, or (data, ErrInterrupt) to stop.
// Any other error is logged and the chain continues.
type HookFn func(ctx context.Context, event string, data interface{}) (interface{}, error)

type hookEntry struct {
	priority int
	seq      int
	fn       HookFn
	name     string
}

// HookCenter manages event hook registrations.
type HookCenter struct {
	mu     sync.RWMutex
	hooks  map[string][]*hookEntry
	seq    int
	logger *zap.Logger
}

// NewHookCenter creates a new HookCenter. logger may be nil.
func NewHookCenter(logger *zap.Logger) *HookCenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookCenter{hooks: make(map[string][]*hookEntry), logger: logger}
}

// Register adds a HookFn for event. Lower priority runs first; equal
// priorities run in registration order. name is used for Unregister.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.seq++
	entries := append(hc.hooks[event], &hookEntry{priority: priority, seq: hc.seq, fn: fn, name: name})
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})
	hc.hooks[event] = entries
}

// Unregister removes all hooks with the given name for the given event.
func (hc *HookCenter) Unregister(event, name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.hooks[event] = without(hc.hooks[event], name)
}

// UnregisterAll removes all hooks registered with the given name across all events.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		hc.hooks[event] = without(entries, name)
	}
}

func without(entries []*hookEntry, name string) []*hookEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether any hook is registered for event.
func (hc *HookCenter) Has(event string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.hooks[event]) > 0
}

// Trigger executes all registered hooks for event in priority order.
// Data flows through each handler, allowing modification.
// If any handler returns ErrInterrupt, execution stops and the error is
// returned. A panicking handler is logged and skipped.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data interface{}) (interface{}, error) {
	hc.mu.RLock()
	entries := make([]*hookEntry, len(hc.hooks[event]))
	copy(entries, hc.hooks[event])
	hc.mu.RUnlock()

	for _, e := range entries {
		out, err := hc.call(ctx, e, event, data)
		if errors.Is(err, ErrInterrupt) {
			return data, err
		}
		if err != nil {
			hc.logger.Warn("hook failed",
				zap.String("event", event), zap.String("hook", e.name), zap.Error(err))
			continue
		}
		data = out
	}
	return data, nil
}

// Fire runs the hooks for a notification-only event; results are discarded.
func (hc *HookCenter) Fire(ctx context.Context, event string, data interface{}) {
	_, _ = hc.Trigger(ctx, event, data)
}

func (hc *HookCenter) call(ctx context.Context, e *hookEntry, event string, data interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", e.name, r)
		}
	}()
	return e.fn(ctx, event, data)
}

// ---- Hook events ----

const (
	// BeforeMessageSend receives *model.ChatMessage before it is stored.
	// Handlers may edit Content or return ErrInterrupt to refuse the message.
	BeforeMessageSend = "before_message_send"
	// AfterMessageSend receives *model.ChatMessage once stored.
	AfterMessageSend = "after_message_send"
	// OnUserOnline and OnUserOffline receive the user id (int64) when the
	// first connection opens or the last one closes on this node.
	OnUserOnline  = "on_user_online"
	OnUserOffline = "on_user_offline"
	// OnFriendAccepted receives FriendEvent.
	OnFriendAccepted = "on_friend_accepted"
	// OnUserLogin receives the user id (int64) after a successful login.
	OnUserLogin = "on_user_login"
)

// FriendEvent is the payload of OnFriendAccepted.
type FriendEvent struct {
	RequestID   int64
	RequesterID int64
	TargetID    int64
}
