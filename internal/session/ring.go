// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package session

import "github.com/cartpulse/gateway/internal/protocol"

// historyRing is a fixed-capacity ring buffer of delivered replayable
// messages. Appending beyond capacity overwrites the oldest entry in
// O(1). Not safe for concurrent use; the Manager's lock covers it.
type historyRing struct {
	buf   []*protocol.Message
	head  int // next write position
	count int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity < 1 {
		capacity = 1
	}
	return &historyRing{buf: make([]*protocol.Message, capacity)}
}

// append records a message, evicting the oldest when full.
func (r *historyRing) append(msg *protocol.Message) {
	r.buf[r.head] = msg
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// since returns messages with a sequence number strictly greater than
// seq, oldest first.
func (r *historyRing) since(seq uint64) []*protocol.Message {
	out := make([]*protocol.Message, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		msg := r.buf[(start+i)%len(r.buf)]
		if msg.SequenceNumber > seq {
			out = append(out, msg)
		}
	}
	return out
}

func (r *historyRing) len() int {
	return r.count
}
