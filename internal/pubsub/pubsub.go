// Package pubsub implements the channel router used to fan events out to
// subscribers without point-to-point coupling between modules.
//
// Delivery is ordered per channel: envelopes published on one channel reach
// every subscriber in publish order. No ordering holds across channels.
package pubsub

import (
	"sync"

	"collabd/internal/protocol"
)

// Subscriber receives envelopes published on channels it is subscribed to.
type Subscriber interface {
	// ID identifies the subscriber; subscribing the same ID twice on one
	// channel replaces the previous registration.
	ID() string

	// Deliver hands an envelope to the subscriber. Implementations must not
	// block; the router calls Deliver under the channel's publish lock to
	// preserve per-channel ordering.
	Deliver(e *protocol.Envelope)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	SubID string
	Fn    func(e *protocol.Envelope)
}

func (s *SubscriberFunc) ID() string                    { return s.SubID }
func (s *SubscriberFunc) Deliver(e *protocol.Envelope) { s.Fn(e) }

// Router fans envelopes out to channel subscribers.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*channel
	bridge   *Bridge
}

type channel struct {
	mu   sync.Mutex // serializes publishes, preserving delivery order
	subs map[string]Subscriber
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{channels: make(map[string]*channel)}
}

// SetBridge attaches a cross-process bridge. Local publishes are mirrored to
// the bridge; envelopes arriving from the bridge are fanned out locally only.
func (r *Router) SetBridge(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridge = b
}

// Subscribe registers a subscriber on a channel.
func (r *Router) Subscribe(name string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{subs: make(map[string]Subscriber)}
		r.channels[name] = ch
	}
	ch.mu.Lock()
	ch.subs[sub.ID()] = sub
	ch.mu.Unlock()
}

// Unsubscribe removes a subscriber from a channel. Removing an unknown
// subscriber is a no-op.
func (r *Router) Unsubscribe(name, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, subID)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()

	if empty {
		delete(r.channels, name)
	}
}

// UnsubscribeAll removes a subscriber from every channel. Used on disconnect.
func (r *Router) UnsubscribeAll(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, ch := range r.channels {
		ch.mu.Lock()
		delete(ch.subs, subID)
		empty := len(ch.subs) == 0
		ch.mu.Unlock()
		if empty {
			delete(r.channels, name)
		}
	}
}

// Publish delivers an envelope to every subscriber of the channel, in
// registration-independent but publish-ordered fashion, and mirrors it to the
// bridge when one is attached.
func (r *Router) Publish(name string, e *protocol.Envelope) {
	r.publish(name, e, true)
}

// publishLocal is called by the bridge for envelopes arriving from other
// processes; it must not be mirrored back out.
func (r *Router) publishLocal(name string, e *protocol.Envelope) {
	r.publish(name, e, false)
}

func (r *Router) publish(name string, e *protocol.Envelope, mirror bool) {
	stamped := e.OnChannel(name)

	r.mu.RLock()
	ch := r.channels[name]
	bridge := r.bridge
	r.mu.RUnlock()

	if ch != nil {
		ch.mu.Lock()
		for _, sub := range ch.subs {
			sub.Deliver(stamped)
		}
		ch.mu.Unlock()
	}

	if mirror && bridge != nil {
		bridge.Forward(name, stamped)
	}
}

// Subscribers returns the number of subscribers on a channel.
func (r *Router) Subscribers(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}
