// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package subscription

import (
	"io"
	"reflect"
	"sync"
	"testing"

	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/protocol"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// recordingDelivery collects deliveries and can fail selected subscribers.
type recordingDelivery struct {
	mu      sync.Mutex
	got     map[string][]string // subscriber -> message types
	unknown map[string]bool
}

func newRecordingDelivery() *recordingDelivery {
	return &recordingDelivery{
		got:     make(map[string][]string),
		unknown: make(map[string]bool),
	}
}

func (d *recordingDelivery) Deliver(subscriberID string, msg *protocol.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unknown[subscriberID] {
		return ErrUnknownSubscriber
	}
	d.got[subscriberID] = append(d.got[subscriberID], msg.Type)
	return nil
}

func (d *recordingDelivery) count(subscriberID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got[subscriberID])
}

func priceMsg() *protocol.Message {
	return protocol.MustMessage("price_update", map[string]string{"sku": "hdmi-cable"})
}

func TestRouter_SubscribeAndBroadcast(t *testing.T) {
	d := newRecordingDelivery()
	r := NewRouter(d)

	got := r.Subscribe("s1", []string{"prices", "carts"})
	if want := []string{"carts", "prices"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Subscribe returned %v, want %v", got, want)
	}
	r.Subscribe("s2", []string{"prices"})

	if n := r.Broadcast("prices", priceMsg()); n != 2 {
		t.Errorf("Broadcast delivered to %d, want 2", n)
	}
	if n := r.Broadcast("carts", priceMsg()); n != 1 {
		t.Errorf("Broadcast to carts delivered to %d, want 1", n)
	}
	if n := r.Broadcast("empty", priceMsg()); n != 0 {
		t.Errorf("Broadcast to empty channel delivered to %d, want 0", n)
	}
	if d.count("s1") != 2 || d.count("s2") != 1 {
		t.Errorf("deliveries: s1=%d s2=%d", d.count("s1"), d.count("s2"))
	}
}

func TestRouter_ResubscribeIsIdempotent(t *testing.T) {
	d := newRecordingDelivery()
	r := NewRouter(d)

	r.Subscribe("s1", []string{"prices"})
	r.Subscribe("s1", []string{"prices"})

	if n := r.Subscribers("prices"); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}
	if n := r.Broadcast("prices", priceMsg()); n != 1 {
		t.Errorf("duplicate subscription caused %d deliveries", n)
	}
}

func TestRouter_UnsubscribeSubset(t *testing.T) {
	r := NewRouter(newRecordingDelivery())

	r.Subscribe("s1", []string{"prices", "carts", "stock"})
	got := r.Unsubscribe("s1", []string{"carts"})
	if want := []string{"prices", "stock"}; !reflect.DeepEqual(got, want) {
		t.Errorf("remaining channels = %v, want %v", got, want)
	}
	if r.Subscribers("carts") != 0 {
		t.Error("carts should have no subscribers")
	}
}

func TestRouter_UnsubscribeAll(t *testing.T) {
	r := NewRouter(newRecordingDelivery())

	r.Subscribe("s1", []string{"prices", "carts"})
	if got := r.Unsubscribe("s1", nil); got != nil {
		t.Errorf("Unsubscribe all returned %v, want nil", got)
	}
	if r.Channels("s1") != nil {
		t.Error("subscriber still has channels")
	}
	if r.ChannelCount() != 0 {
		t.Errorf("ChannelCount = %d, want 0", r.ChannelCount())
	}
}

func TestRouter_UnsubscribeUnknownSubscriber(t *testing.T) {
	r := NewRouter(newRecordingDelivery())
	if got := r.Unsubscribe("ghost", []string{"prices"}); got != nil {
		t.Errorf("Unsubscribe of unknown subscriber = %v, want nil", got)
	}
}

func TestRouter_OnDisconnectClearsBothIndices(t *testing.T) {
	d := newRecordingDelivery()
	r := NewRouter(d)

	r.Subscribe("s1", []string{"prices", "carts"})
	r.Subscribe("s2", []string{"prices"})
	r.OnDisconnect("s1")

	if r.Channels("s1") != nil {
		t.Error("s1 still indexed by subscriber")
	}
	if r.Subscribers("prices") != 1 {
		t.Errorf("prices subscribers = %d, want 1", r.Subscribers("prices"))
	}
	if r.Subscribers("carts") != 0 {
		t.Errorf("carts subscribers = %d, want 0", r.Subscribers("carts"))
	}
}

func TestRouter_BroadcastPrunesUnknownSubscribers(t *testing.T) {
	d := newRecordingDelivery()
	r := NewRouter(d)

	r.Subscribe("s1", []string{"prices"})
	r.Subscribe("s2", []string{"prices"})
	d.unknown["s1"] = true

	if n := r.Broadcast("prices", priceMsg()); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if r.Subscribers("prices") != 1 {
		t.Errorf("stale subscriber not pruned: %d remain", r.Subscribers("prices"))
	}
	if r.Channels("s1") != nil {
		t.Error("pruned subscriber still has channels")
	}
}

func TestRouter_IndicesStayInverse(t *testing.T) {
	r := NewRouter(newRecordingDelivery())

	r.Subscribe("s1", []string{"a", "b"})
	r.Subscribe("s2", []string{"b", "c"})
	r.Unsubscribe("s1", []string{"a"})
	r.OnDisconnect("s2")

	// Every subscriber->channel edge must exist channel->subscriber too.
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub, channels := range r.bySubscriber {
		for ch := range channels {
			if _, ok := r.byChannel[ch][sub]; !ok {
				t.Errorf("edge %s->%s missing from channel index", sub, ch)
			}
		}
	}
	for ch, subs := range r.byChannel {
		for sub := range subs {
			if _, ok := r.bySubscriber[sub][ch]; !ok {
				t.Errorf("edge %s->%s missing from subscriber index", ch, sub)
			}
		}
	}
}
