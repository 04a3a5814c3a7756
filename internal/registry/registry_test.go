// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package registry

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cartpulse/gateway/internal/logging"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// fakeTransport records frames written to it. order interleaves data and
// control writes so tests can assert that the close frame went out last.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	controls []int
	order    []string
	closed   bool
	writeErr error
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	f.order = append(f.order, "data")
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	f.order = append(f.order, "control")
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestConnection(id string) (*Connection, *fakeTransport) {
	tr := &fakeTransport{}
	return NewConnection(id, "10.0.0.1", tr, time.Second), tr
}

func TestRegistry_AddRemoveGet(t *testing.T) {
	r := New()
	c, _ := newTestConnection("c1")

	if !r.Add(c) {
		t.Fatal("Add returned false for new connection")
	}
	if r.Add(c) {
		t.Error("Add should reject duplicate ID")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if got := r.Get("c1"); got != c {
		t.Error("Get returned wrong connection")
	}
	if got := r.Remove("c1"); got != c {
		t.Error("Remove returned wrong connection")
	}
	if r.Len() != 0 {
		t.Errorf("Len after remove = %d, want 0", r.Len())
	}
	if r.Remove("c1") != nil {
		t.Error("Remove of absent ID should return nil")
	}
}

func TestRegistry_LenMatchesForEach(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		c, _ := newTestConnection(id)
		r.Add(c)
	}
	r.Remove("b")

	seen := 0
	r.ForEach(func(*Connection) { seen++ })
	if seen != r.Len() {
		t.Errorf("ForEach visited %d, Len = %d", seen, r.Len())
	}
}

func TestRegistry_ForEachSnapshotAllowsMutation(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b", "c"} {
		c, _ := newTestConnection(id)
		r.Add(c)
	}

	// Removing during iteration must not deadlock or visit removed entries twice.
	visited := make(map[string]int)
	r.ForEach(func(c *Connection) {
		visited[c.ID]++
		r.Remove("c")
	})

	for id, n := range visited {
		if n != 1 {
			t.Errorf("connection %q visited %d times", id, n)
		}
	}
}

func TestRegistry_ByUser(t *testing.T) {
	r := New()
	c1, _ := newTestConnection("c1")
	c1.SetIdentity("u1", "s1", nil, true)
	c2, _ := newTestConnection("c2")
	c2.SetIdentity("u2", "s2", nil, true)
	c3, _ := newTestConnection("c3")
	c3.SetIdentity("u1", "s3", nil, true)
	r.Add(c1)
	r.Add(c2)
	r.Add(c3)

	if got := r.ByUser("u1"); len(got) != 2 {
		t.Errorf("ByUser(u1) = %d connections, want 2", len(got))
	}
	if got := r.ByUser(""); got != nil {
		t.Error("ByUser with empty ID should return nil")
	}
}

func TestConnection_SendAndWritePump(t *testing.T) {
	c, tr := newTestConnection("c1")
	go c.WritePump()

	if err := c.Send([]byte(`{"type":"welcome"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.After(time.Second)
	for tr.frameCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("frame never written")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.Close(websocket.CloseNormalClosure, "bye")
	if err := c.Send([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after close = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_SendBufferFullTerminates(t *testing.T) {
	c, tr := newTestConnection("c1")
	// No WritePump running, so the buffer fills.

	var err error
	for i := 0; i < defaultSendBuffer+1; i++ {
		err = c.Send([]byte("x"))
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}
	if !c.Doomed() {
		t.Error("connection should be doomed after buffer overflow")
	}

	// Overflow is terminal: the connection is torn down, not left open
	// swallowing every later send.
	select {
	case <-c.Done():
	default:
		t.Error("overflowing connection should be torn down")
	}
	if !tr.isClosed() {
		t.Error("transport should be closed after overflow")
	}
}

func TestConnection_WriteErrorStopsPump(t *testing.T) {
	c, tr := newTestConnection("c1")
	tr.writeErr = errors.New("broken pipe")

	done := make(chan struct{})
	go func() {
		c.WritePump()
		close(done)
	}()

	_ = c.Send([]byte("x"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not exit on write error")
	}
	if !tr.isClosed() {
		t.Error("transport should be closed after pump exit")
	}
}

func TestConnection_AbortSkipsCloseHandshake(t *testing.T) {
	c, tr := newTestConnection("c1")
	c.Abort()

	if !tr.isClosed() {
		t.Error("transport should be closed after Abort")
	}
	tr.mu.Lock()
	controls := len(tr.controls)
	tr.mu.Unlock()
	if controls != 0 {
		t.Errorf("Abort wrote %d control frames, want 0", controls)
	}
}

func TestConnection_CloseWritesCloseFrame(t *testing.T) {
	c, tr := newTestConnection("c1")
	go c.WritePump()
	c.Close(websocket.ClosePolicyViolation, "rate limit abuse")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.controls) != 1 || tr.controls[0] != websocket.CloseMessage {
		t.Errorf("controls = %v, want one close frame", tr.controls)
	}
	if !tr.closed {
		t.Error("transport should be closed")
	}
}

func TestConnection_CloseFlushesBufferedFramesFirst(t *testing.T) {
	c, tr := newTestConnection("c1")
	if err := c.Send([]byte(`{"type":"error"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	go c.WritePump()
	c.Close(websocket.CloseGoingAway, "server shutdown")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.frames) != 1 {
		t.Fatalf("frames written = %d, want 1", len(tr.frames))
	}
	want := []string{"data", "control"}
	if len(tr.order) != 2 || tr.order[0] != want[0] || tr.order[1] != want[1] {
		t.Errorf("write order = %v, want %v", tr.order, want)
	}
}

func TestConnection_CloseWithoutPumpFallsBackToAbort(t *testing.T) {
	tr := &fakeTransport{}
	c := NewConnection("c1", "10.0.0.1", tr, 20*time.Millisecond)

	c.Close(websocket.CloseNormalClosure, "bye")

	select {
	case <-c.Done():
	default:
		t.Error("connection should be torn down without a pump")
	}
	if !tr.isClosed() {
		t.Error("transport should be closed")
	}
}

func TestConnection_IdentityAndCounters(t *testing.T) {
	c, _ := newTestConnection("c1")

	if c.Authenticated() {
		t.Error("new connection should not be authenticated")
	}
	c.SetIdentity("u1", "s1", []string{"read"}, true)
	if c.UserID() != "u1" || c.SessionID() != "s1" {
		t.Errorf("identity = %q/%q", c.UserID(), c.SessionID())
	}
	if !c.HasPermission("read") || c.HasPermission("write") {
		t.Error("permission check mismatch")
	}

	before := c.LastActivity()
	time.Sleep(time.Millisecond)
	c.Touch()
	if !c.LastActivity().After(before) {
		t.Error("Touch did not advance last activity")
	}

	if got := c.CountMessage(); got != 1 {
		t.Errorf("CountMessage = %d, want 1", got)
	}
	if got := c.MessageCount(); got != 1 {
		t.Errorf("MessageCount = %d, want 1", got)
	}
}
