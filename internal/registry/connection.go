// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cartpulse/gateway/internal/logging"
)

// Transport is the subset of *websocket.Conn the outbound path uses.
// Narrowing the surface keeps connections testable without a socket.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ErrSendBufferFull is returned when a connection's outbound buffer
// cannot accept another message within the send path's non-blocking
// discipline. The connection is torn down; the caller should treat the
// client as gone.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// defaultSendBuffer bounds the per-connection outbound queue of encoded
// frames. A full buffer means the consumer is too slow to keep.
const defaultSendBuffer = 256

// Connection is one live transport connection. It is owned exclusively
// by the Registry; sessions hold it only by reference and drop the
// reference on detach.
//
// The outbound path is a bounded buffer drained by a single writer
// goroutine (WritePump). Send never blocks and never performs network
// I/O; a send that cannot be buffered terminates the connection instead
// of stalling a broadcaster.
type Connection struct {
	ID string

	// Identity at admission time; SetIdentity updates it after in-band auth.
	mu            sync.RWMutex
	userID        string
	sessionID     string
	permissions   []string
	authenticated bool

	IP          string
	ConnectedAt time.Time

	tr           Transport
	writeTimeout time.Duration

	send      chan []byte
	closeReq  chan closeRequest
	done      chan struct{}
	closeOnce sync.Once
	doomed    atomic.Bool

	messageCount atomic.Int64
	lastActivity atomic.Int64
}

// NewConnection creates a connection over the given transport.
func NewConnection(id, ip string, tr Transport, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		IP:           ip,
		ConnectedAt:  time.Now().UTC(),
		tr:           tr,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, defaultSendBuffer),
		closeReq:     make(chan closeRequest, 1),
		done:         make(chan struct{}),
	}
	c.Touch()
	return c
}

// SetIdentity records the verified identity on the connection.
func (c *Connection) SetIdentity(userID, sessionID string, permissions []string, authenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.sessionID = sessionID
	c.permissions = permissions
	c.authenticated = authenticated
}

// UserID returns the connection's user identity, if authenticated.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the attached session's ID.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Authenticated reports whether the connection carries a verified identity.
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// HasPermission reports whether the connection's identity holds the
// given permission.
func (c *Connection) HasPermission(permission string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Send enqueues an encoded frame for delivery. It never blocks: a full
// buffer means the peer cannot keep up, so the connection is torn down
// and ErrSendBufferFull returned.
func (c *Connection) Send(frame []byte) error {
	if c.doomed.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		logging.Warn().Str("connection_id", c.ID).Msg("send buffer full, terminating connection")
		c.Abort()
		return ErrSendBufferFull
	}
}

// closeRequest asks the write pump to finish the stream with a close
// handshake after draining buffered frames.
type closeRequest struct {
	code   int
	reason string
}

// WritePump drains the send buffer onto the transport. It runs as the
// connection's single writer goroutine and exits when the connection is
// closed, a close is requested, or a write fails. Each write carries the
// configured deadline so a stalled peer cannot block the pump past
// writeTimeout.
func (c *Connection) WritePump() {
	defer c.closeTransport()

	for {
		select {
		case <-c.done:
			return
		case req := <-c.closeReq:
			c.flushAndClose(req)
			return
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		}
	}
}

// writeFrame writes one data frame under the configured deadline.
func (c *Connection) writeFrame(frame []byte) bool {
	if err := c.tr.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		logging.Debug().Err(err).Str("connection_id", c.ID).Msg("set write deadline failed")
		return false
	}
	if err := c.tr.WriteMessage(websocket.TextMessage, frame); err != nil {
		logging.Debug().Err(err).Str("connection_id", c.ID).Msg("write failed")
		c.doomed.Store(true)
		return false
	}
	return true
}

// flushAndClose writes the frames buffered ahead of a close request,
// then the close frame itself. Only the pump can order the two: a close
// frame written from another goroutine races any in-flight data write.
func (c *Connection) flushAndClose(req closeRequest) {
	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		default:
			payload := websocket.FormatCloseMessage(req.code, req.reason)
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.tr.WriteControl(websocket.CloseMessage, payload, deadline); err != nil {
				logging.Debug().Err(err).Str("connection_id", c.ID).Msg("close frame write failed")
			}
			return
		}
	}
}

// Ping writes a transport-level ping control frame.
func (c *Connection) Ping() error {
	return c.tr.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close performs a best-effort close handshake with the given close code
// and reason, then tears the connection down. The handshake is handed to
// the write pump so buffered frames reach the peer before the close
// frame. Blocks until teardown completes or writeTimeout elapses; a
// stalled or absent pump falls back to Abort so the connection cannot
// leak. Safe to call multiple times.
func (c *Connection) Close(code int, reason string) {
	c.doomed.Store(true)
	select {
	case c.closeReq <- closeRequest{code: code, reason: reason}:
	default:
	}
	select {
	case <-c.done:
	case <-time.After(c.writeTimeout):
		c.Abort()
	}
}

// Abort tears the connection down without a close handshake. Used for
// liveness evictions, where the peer is presumed unreachable and a
// handshake would only tie up the write path.
func (c *Connection) Abort() {
	c.closeOnce.Do(func() {
		c.doomed.Store(true)
		// Transport first: closing done releases anyone waiting on the
		// teardown, who may immediately inspect the transport.
		_ = c.tr.Close()
		close(c.done)
	})
}

// closeTransport is the write pump's cleanup when it exits on its own.
func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		c.doomed.Store(true)
		_ = c.tr.Close()
		close(c.done)
	})
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Doomed reports whether the connection has been marked for termination.
func (c *Connection) Doomed() bool {
	return c.doomed.Load()
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// CountMessage increments and returns the inbound message counter.
func (c *Connection) CountMessage() int64 {
	return c.messageCount.Add(1)
}

// MessageCount returns the inbound message total.
func (c *Connection) MessageCount() int64 {
	return c.messageCount.Load()
}
