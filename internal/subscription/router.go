// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package subscription maps channels to the sessions that want them.
//
// The router keeps two indices, by subscriber and by channel, that are
// always mutually inverse. Delivery is delegated so the router knows
// nothing about sessions or transports.
package subscription

import (
	"errors"
	"sort"
	"sync"

	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/protocol"
)

// ErrUnknownSubscriber is returned by a Delivery when the subscriber no
// longer exists. The router prunes such subscribers lazily on broadcast.
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Delivery hands a broadcast message to one subscriber. Implementations
// must not block; the gateway adapts the session manager's buffered
// delivery path.
type Delivery interface {
	Deliver(subscriberID string, msg *protocol.Message) error
}

// DeliveryFunc adapts a function to the Delivery interface.
type DeliveryFunc func(subscriberID string, msg *protocol.Message) error

// Deliver implements Delivery.
func (f DeliveryFunc) Deliver(subscriberID string, msg *protocol.Message) error {
	return f(subscriberID, msg)
}

// Router is the channel fan-out index. Subscriber IDs are session IDs,
// so subscriptions survive reconnects along with the session.
type Router struct {
	delivery Delivery

	mu           sync.RWMutex
	bySubscriber map[string]map[string]struct{} // subscriber -> channels
	byChannel    map[string]map[string]struct{} // channel -> subscribers
}

// NewRouter creates a router that fans out through the given delivery.
func NewRouter(delivery Delivery) *Router {
	return &Router{
		delivery:     delivery,
		bySubscriber: make(map[string]map[string]struct{}),
		byChannel:    make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the subscriber to each channel. Re-subscribing to a
// channel is a no-op. Returns the subscriber's resulting channel set,
// sorted, for the acknowledgement.
func (r *Router) Subscribe(subscriberID string, channels []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.bySubscriber[subscriberID]
	if set == nil {
		set = make(map[string]struct{})
		r.bySubscriber[subscriberID] = set
	}
	for _, ch := range channels {
		set[ch] = struct{}{}
		if r.byChannel[ch] == nil {
			r.byChannel[ch] = make(map[string]struct{})
		}
		r.byChannel[ch][subscriberID] = struct{}{}
	}
	return sortedKeys(set)
}

// Unsubscribe removes the subscriber from the given channels, or from
// all channels when none are given. Returns the remaining channel set.
func (r *Router) Unsubscribe(subscriberID string, channels []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.bySubscriber[subscriberID]
	if set == nil {
		return nil
	}
	if len(channels) == 0 {
		channels = sortedKeys(set)
	}
	for _, ch := range channels {
		delete(set, ch)
		r.dropFromChannelLocked(ch, subscriberID)
	}
	if len(set) == 0 {
		delete(r.bySubscriber, subscriberID)
		return nil
	}
	return sortedKeys(set)
}

// OnDisconnect removes every subscription the subscriber holds. Called
// when the owning session is swept, not on transport loss, so channel
// membership survives a reconnect.
func (r *Router) OnDisconnect(subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ch := range r.bySubscriber[subscriberID] {
		r.dropFromChannelLocked(ch, subscriberID)
	}
	delete(r.bySubscriber, subscriberID)
}

func (r *Router) dropFromChannelLocked(channel, subscriberID string) {
	subs := r.byChannel[channel]
	if subs == nil {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(r.byChannel, channel)
	}
}

// Broadcast delivers the message to every subscriber of the channel and
// returns the number of successful deliveries. Subscribers the delivery
// reports as unknown are pruned.
func (r *Router) Broadcast(channel string, msg *protocol.Message) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byChannel[channel]))
	for id := range r.byChannel[channel] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	delivered := 0
	var stale []string
	for _, id := range ids {
		err := r.delivery.Deliver(id, msg)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrUnknownSubscriber):
			stale = append(stale, id)
		default:
			logging.Debug().Err(err).
				Str("subscriber_id", id).
				Str("channel", channel).
				Msg("broadcast delivery failed")
		}
	}

	for _, id := range stale {
		r.OnDisconnect(id)
	}
	return delivered
}

// Channels returns the subscriber's channel set, sorted.
func (r *Router) Channels(subscriberID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if set := r.bySubscriber[subscriberID]; len(set) > 0 {
		return sortedKeys(set)
	}
	return nil
}

// Subscribers returns how many subscribers a channel has.
func (r *Router) Subscribers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

// ChannelCount returns the number of channels with at least one
// subscriber.
func (r *Router) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
