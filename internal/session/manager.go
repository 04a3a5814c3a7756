// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package session manages delivery state that outlives a single
// transport connection.
//
// A Session binds a reconnect token to an outbound message stream: a
// monotonically increasing sequence number, a bounded queue of messages
// produced while no connection is attached, and a bounded ring of
// recently delivered replayable messages. A client reconnecting with its
// token before the session timeout resumes exactly where it left off.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/protocol"
	"github.com/cartpulse/gateway/internal/registry"
)

// ErrTokenOwnerMismatch is returned when a valid reconnect token is
// presented by a different authenticated user than the session's owner.
// The token stays valid for its owner.
var ErrTokenOwnerMismatch = errors.New("reconnect token belongs to another user")

// reconnectTokenBytes sizes the random token. 32 bytes of entropy keeps
// tokens unguessable without brute-force concerns at any realistic rate.
const reconnectTokenBytes = 32

// Session is server-side delivery state for one logical client. All
// fields are guarded by the Manager's lock.
type Session struct {
	ID             string
	ReconnectToken string
	UserID         string
	CreatedAt      time.Time

	conn           *registry.Connection // nil while detached
	queue          []*protocol.Message  // bounded FIFO for offline delivery
	history        *historyRing         // bounded ring of delivered replayables
	seq            uint64
	lastSeen       time.Time
	reconnectCount int
	queueDropped   int
}

// Config holds session manager tunables.
type Config struct {
	// SessionTimeout is how long a detached session survives.
	SessionTimeout time.Duration

	// MaxQueueSize bounds the offline delivery queue per session.
	MaxQueueSize int

	// MaxHistorySize bounds the replay history ring per session.
	MaxHistorySize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 5 * time.Minute,
		MaxQueueSize:   100,
		MaxHistorySize: 50,
	}
}

// Manager owns all sessions and the reconnect token index. One mutex
// guards the maps and every per-session field; critical sections stay
// short because delivery is a non-blocking buffer handoff.
type Manager struct {
	cfg   Config
	codec *protocol.Codec

	mu       sync.Mutex
	sessions map[string]*Session            // by session ID
	byToken  map[string]string              // reconnect token -> session ID
	byUser   map[string]map[string]struct{} // user ID -> session IDs

	now      func() time.Time
	randRead func([]byte) (int, error)

	// onExpire is invoked for every session removed by Sweep, outside the
	// lock, so subscription state keyed by session ID can be released.
	onExpire func(sessionID string)
}

// OnExpire registers the sweep notification hook. Must be called before
// the manager is shared across goroutines.
func (m *Manager) OnExpire(fn func(sessionID string)) {
	m.onExpire = fn
}

// NewManager creates a session manager.
func NewManager(cfg Config, codec *protocol.Codec) *Manager {
	def := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = def.MaxHistorySize
	}
	return &Manager{
		cfg:      cfg,
		codec:    codec,
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
		now:      time.Now,
		randRead: rand.Read,
	}
}

// CreateOrResume returns the session for a connecting client. A present
// token that maps to a live (non-expired) session owned by the same user
// resumes it; an absent, unknown, or expired token mints a fresh session
// with a new cryptographically random reconnect token. A valid token
// owned by a different user is rejected outright.
func (m *Manager) CreateOrResume(reconnectToken, userID string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reconnectToken != "" {
		if id, ok := m.byToken[reconnectToken]; ok {
			s := m.sessions[id]
			// A detached session past the timeout is expired even if the
			// sweeper has not collected it yet.
			if s.conn == nil && m.now().Sub(s.lastSeen) >= m.cfg.SessionTimeout {
				m.removeLocked(s)
				if m.onExpire != nil {
					// Off the lock; broadcast-time pruning is the backstop.
					go m.onExpire(s.ID)
				}
			} else {
				if s.UserID != userID {
					return nil, false, ErrTokenOwnerMismatch
				}
				s.lastSeen = m.now()
				s.reconnectCount++
				return s, true, nil
			}
		}
	}

	token, err := m.mintToken()
	if err != nil {
		return nil, false, err
	}

	s := &Session{
		ID:             uuid.NewString(),
		ReconnectToken: token,
		UserID:         userID,
		CreatedAt:      m.now(),
		history:        newHistoryRing(m.cfg.MaxHistorySize),
		lastSeen:       m.now(),
	}
	m.sessions[s.ID] = s
	m.byToken[token] = s.ID
	if userID != "" {
		if m.byUser[userID] == nil {
			m.byUser[userID] = make(map[string]struct{})
		}
		m.byUser[userID][s.ID] = struct{}{}
	}
	return s, false, nil
}

// Attach binds a live connection to the session and flushes the offline
// queue in FIFO order, preserving each message's original sequence
// number. A session holds at most one live connection: an existing
// attachment is displaced and closed as a duplicate.
//
// Returns the number of queued messages flushed.
func (m *Manager) Attach(s *Session, conn *registry.Connection) int {
	m.mu.Lock()

	if prev := s.conn; prev != nil && prev != conn {
		// Duplicate reconnect: the newest connection wins.
		logging.Info().
			Str("session_id", s.ID).
			Str("displaced_connection", prev.ID).
			Msg("displacing previous connection for session")
		go prev.Close(protocol.CloseNormal, "session resumed elsewhere")
	}
	s.conn = conn
	s.lastSeen = m.now()

	flushed := 0
	queued := s.queue
	s.queue = nil
	for _, msg := range queued {
		if m.deliverLocked(s, msg) {
			flushed++
		}
	}
	m.mu.Unlock()
	return flushed
}

// Detach unbinds the connection but keeps the session, queue, and
// history intact until the session timeout.
func (m *Manager) Detach(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.conn = nil
	s.lastSeen = m.now()
}

// DetachConnection unbinds only if the given connection is still the one
// attached, so a displaced connection's teardown cannot detach its
// replacement.
func (m *Manager) DetachConnection(s *Session, conn *registry.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.lastSeen = m.now()
	}
}

// EnqueueOrSend assigns the next sequence number and either delivers the
// message on the attached connection or queues it for the next attach.
// Delivered replayable messages are appended to the history ring; queued
// messages are not (they were never delivered). The queue is bounded:
// overflow evicts the oldest entry.
//
// The sequence number is assigned here, under the manager lock, so it is
// monotonically increasing per session and never reused, including
// across reconnects.
func (m *Manager) EnqueueOrSend(s *Session, msg *protocol.Message, replayable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.seq++
	stamped := *msg
	stamped.SequenceNumber = s.seq
	stamped.SessionID = s.ID

	if s.conn != nil {
		if m.deliverLocked(s, &stamped) && replayable {
			s.history.append(&stamped)
		}
		return nil
	}

	if len(s.queue) >= m.cfg.MaxQueueSize {
		s.queue = s.queue[1:]
		s.queueDropped++
	}
	s.queue = append(s.queue, &stamped)
	return nil
}

// ReplaySince re-sends delivered messages with sequence numbers greater
// than seq from the history ring, oldest first. Used when a resuming
// client reports the last sequence it saw. Returns the number re-sent.
func (m *Manager) ReplaySince(s *Session, seq uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.conn == nil {
		return 0
	}
	sent := 0
	for _, msg := range s.history.since(seq) {
		if m.deliverLocked(s, msg) {
			sent++
		}
	}
	return sent
}

// deliverLocked encodes and sends one message on the session's attached
// connection. Must be called with the manager lock held; Send is
// non-blocking so no I/O happens under the lock.
func (m *Manager) deliverLocked(s *Session, msg *protocol.Message) bool {
	frame, err := m.codec.Encode(msg)
	if err != nil {
		logging.Error().Err(err).Str("session_id", s.ID).Msg("encode for delivery failed")
		return false
	}
	if err := s.conn.Send(frame); err != nil {
		logging.Debug().Err(err).Str("session_id", s.ID).Msg("delivery failed")
		return false
	}
	return true
}

// Get returns the session with the given ID, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// ByUser returns the sessions owned by a user.
func (m *Manager) ByUser(userID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byUser[userID]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s := m.sessions[id]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Sweep deletes detached sessions whose last activity is older than the
// session timeout and revokes their reconnect tokens. Returns the number
// of sessions removed. Runs from a background scheduler.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.conn != nil {
			continue
		}
		if now.Sub(s.lastSeen) < m.cfg.SessionTimeout {
			continue
		}
		m.removeLocked(s)
		expired = append(expired, id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		logging.Debug().Int("removed", len(expired)).Msg("session sweep")
	}
	if m.onExpire != nil {
		for _, id := range expired {
			m.onExpire(id)
		}
	}
	return len(expired)
}

// Stats summarizes session state for the stats surface.
type Stats struct {
	Sessions      int `json:"sessions"`
	Detached      int `json:"detached"`
	MaxQueueDepth int `json:"maxQueueDepth"`
	QueueDropped  int `json:"queueDropped"`
}

// Snapshot returns current session statistics.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		if s.conn == nil {
			st.Detached++
		}
		if len(s.queue) > st.MaxQueueDepth {
			st.MaxQueueDepth = len(s.queue)
		}
		st.QueueDropped += s.queueDropped
	}
	return st
}

// QueueLen reports the current offline queue depth for a session.
func (m *Manager) QueueLen(s *Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(s.queue)
}

// ReconnectCount reports how many times the session has been resumed.
func (m *Manager) ReconnectCount(s *Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.reconnectCount
}

// removeLocked deletes a session from every index. Must be called with
// the manager lock held.
func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	delete(m.byToken, s.ReconnectToken)
	if s.UserID != "" {
		delete(m.byUser[s.UserID], s.ID)
		if len(m.byUser[s.UserID]) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
}

// mintToken generates a reconnect token, retrying the astronomically
// unlikely collision. Must be called with the manager lock held.
func (m *Manager) mintToken() (string, error) {
	for {
		buf := make([]byte, reconnectTokenBytes)
		if _, err := m.randRead(buf); err != nil {
			return "", err
		}
		token := base64.RawURLEncoding.EncodeToString(buf)
		if _, exists := m.byToken[token]; !exists {
			return token, nil
		}
	}
}
