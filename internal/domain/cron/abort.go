package cron

import "sync"

// AbortBroadcaster fans an abort signal out to every in-flight LLM
// call when the messaging path's outward-composition timer expires
//. Subscribers
// receive a closed channel, matching context.Context's own
// cancellation idiom so callers can select on it alongside ctx.Done().
type AbortBroadcaster struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewAbortBroadcaster creates an empty broadcaster.
func NewAbortBroadcaster() *AbortBroadcaster {
	return &AbortBroadcaster{subs: make(map[chan struct{}]struct{})}
}

// Subscribe returns a channel that closes when Broadcast is next
// called. unsubscribe must be called once the caller no longer needs
// the subscription, whether or not it fired.
func (b *AbortBroadcaster) Subscribe() (ch <-chan struct{}, unsubscribe func()) {
	c := make(chan struct{})
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()
	return c, func() {
		b.mu.Lock()
		delete(b.subs, c)
		b.mu.Unlock()
	}
}

// Broadcast closes every live subscription channel, releasing all
// currently in-flight LLM calls and their queue slots.
func (b *AbortBroadcaster) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		close(c)
	}
	b.subs = make(map[chan struct{}]struct{})
}
