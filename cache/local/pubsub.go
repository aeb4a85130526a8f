package local

import (
	"context"
	"sync"
)

// LocalMessage is an in-process pub/sub message.
type LocalMessage struct {
	Channel string
	Payload string
}

type subscriber struct {
	ch     chan *LocalMessage
	closed bool
}

// LocalPubSub is an in-process fan-out pub/sub implementation.
// Delivery is non-blocking: a subscriber whose buffer is full misses the message.
type LocalPubSub struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	bufSize     int
}

// NewPubSub creates a new LocalPubSub with the given per-subscriber buffer size.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		subscribers: make(map[string][]*subscriber),
		bufSize:     bufSize,
	}
}

// Publish sends a message to all subscribers of the given channel.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &LocalMessage{Channel: channel, Payload: message}
	// The read lock is held while sending so cancel cannot close a channel
	// underneath us.
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, s := range ps.subscribers[channel] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of messages for the given channels, and a cancel
// function. The subscription also ends when ctx is done.
func (ps *LocalPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan *LocalMessage, func(), error) {
	sub := &subscriber{ch: make(chan *LocalMessage, ps.bufSize)}

	ps.mu.Lock()
	for _, c := range channels {
		ps.subscribers[c] = append(ps.subscribers[c], sub)
	}
	ps.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			ps.remove(sub, channels)
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}
	return sub.ch, cancel, nil
}

// remove detaches sub from channels and closes it. Caller holds ps.mu.
func (ps *LocalPubSub) remove(sub *subscriber, channels []string) {
	for _, c := range channels {
		list := ps.subscribers[c]
		for j, s := range list {
			if s == sub {
				ps.subscribers[c] = append(list[:j:j], list[j+1:]...)
				break
			}
		}
		if len(ps.subscribers[c]) == 0 {
			delete(ps.subscribers, c)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Close ends every subscription.
func (ps *LocalPubSub) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for c, list := range ps.subscribers {
		for _, s := range list {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		delete(ps.subscribers, c)
	}
}
