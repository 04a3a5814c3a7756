// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package registry holds the authoritative map of live connections.
//
// The registry owns every Connection: connections enter on successful
// upgrade and leave on close, error, or liveness eviction. Everything
// else (sessions, heartbeat, routing) references connections through it.
package registry

import "sync"

// Registry is the authoritative set of live connections. All mutations
// are serialized behind one mutex; iteration works on a snapshot so slow
// callbacks never hold the lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add inserts a connection. Returns false when the ID is already present,
// in which case the registry is unchanged.
func (r *Registry) Add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.ID]; exists {
		return false
	}
	r.conns[c.ID] = c
	return true
}

// Remove deletes the connection with the given ID and returns it, or nil
// when absent.
func (r *Registry) Remove(id string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	delete(r.conns, id)
	return c
}

// Get returns the connection with the given ID, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEach invokes fn for every connection present when the call started.
// The ID list is copied before the first invocation, so fn may block or
// mutate the registry without holding up concurrent connects and
// disconnects. Connections removed mid-iteration are skipped.
func (r *Registry) ForEach(fn func(*Connection)) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if c := r.Get(id); c != nil {
			fn(c)
		}
	}
}

// ByUser returns the live connections belonging to a user.
func (r *Registry) ByUser(userID string) []*Connection {
	if userID == "" {
		return nil
	}
	var out []*Connection
	r.ForEach(func(c *Connection) {
		if c.UserID() == userID {
			out = append(out, c)
		}
	})
	return out
}
