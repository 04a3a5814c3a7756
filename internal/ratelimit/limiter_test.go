// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package ratelimit

import (
	"testing"
	"time"
)

// fixedClock lets tests control window rollover.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fixedClock) {
	l := New(cfg)
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestClientKeyPriority(t *testing.T) {
	tests := []struct {
		name                  string
		user, session, ipAddr string
		want                  string
	}{
		{"user wins", "u1", "s1", "10.0.0.1:1234", "user:u1"},
		{"session next", "", "s1", "10.0.0.1:1234", "session:s1"},
		{"ip next", "", "", "10.0.0.1:1234", "ip:10.0.0.1"},
		{"anonymous last", "", "", "", AnonymousKey},
		{"garbage ip is anonymous", "", "", "not-an-ip", AnonymousKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientKey(tt.user, tt.session, tt.ipAddr); got != tt.want {
				t.Errorf("ClientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"10.0.0.1:8080", "10.0.0.1"},
		{"10.0.0.1", "10.0.0.1"},
		{"[::1]:9000", "127.0.0.1"},
		{"::1", "127.0.0.1"},
		{"127.0.0.1:55", "127.0.0.1"},
		{"::ffff:192.168.1.5", "192.168.1.5"},
		{"[::ffff:192.168.1.5]:443", "192.168.1.5"},
		{"2001:db8::1", "2001:db8::1"},
		{"", ""},
		{"bogus", ""},
	}

	for _, tt := range tests {
		if got := NormalizeIP(tt.input); got != tt.want {
			t.Errorf("NormalizeIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCheckMessage_WindowBudget(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxMessagesPerWindow: 60, Window: time.Minute})

	for i := 0; i < 60; i++ {
		if d := l.CheckMessage("user:u1"); !d.Allowed {
			t.Fatalf("message %d unexpectedly denied", i+1)
		}
	}

	// 61st message within the same window is rejected with a retry hint.
	d := l.CheckMessage("user:u1")
	if d.Allowed {
		t.Fatal("61st message should be denied")
	}
	if d.Violation != ViolationSoft {
		t.Errorf("violation = %q, want %q", d.Violation, ViolationSoft)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0", d.RetryAfter)
	}

	// After the window rolls over the next message succeeds.
	clock.advance(time.Minute)
	if d := l.CheckMessage("user:u1"); !d.Allowed {
		t.Errorf("message after rollover denied: %+v", d)
	}
}

func TestCheckMessage_PersistentAbuse(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxMessagesPerWindow: 10, Window: time.Minute, AbuseMultiplier: 3})

	var last Decision
	for i := 0; i < 31; i++ {
		last = l.CheckMessage("user:u9")
	}
	if last.Allowed {
		t.Fatal("expected denial")
	}
	if last.Violation != ViolationPersistent {
		t.Errorf("violation = %q, want %q after exceeding 3x budget", last.Violation, ViolationPersistent)
	}
}

func TestCheckMessage_IndependentKeys(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxMessagesPerWindow: 2, Window: time.Minute})

	l.CheckMessage("user:a")
	l.CheckMessage("user:a")
	if d := l.CheckMessage("user:a"); d.Allowed {
		t.Error("user:a should be over budget")
	}
	if d := l.CheckMessage("user:b"); !d.Allowed {
		t.Error("user:b should be unaffected by user:a's budget")
	}
}

func TestCheckMessage_AnonymousReducedBudget(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxMessagesPerWindow: 40, Window: time.Minute})

	// Anonymous pool gets a quarter budget: 10 messages.
	for i := 0; i < 10; i++ {
		if d := l.CheckMessage(AnonymousKey); !d.Allowed {
			t.Fatalf("anonymous message %d denied early", i+1)
		}
	}
	if d := l.CheckMessage(AnonymousKey); d.Allowed {
		t.Error("anonymous pool should be exhausted after quarter budget")
	}
}

func TestCheckMessage_IPKeyedReducedBudget(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxMessagesPerWindow: 8, Window: time.Minute})

	// No verified user behind an ip: key, so it gets the quarter budget.
	for i := 0; i < 2; i++ {
		if d := l.CheckMessage("ip:203.0.113.7"); !d.Allowed {
			t.Fatalf("ip-keyed message %d denied early", i+1)
		}
	}
	if d := l.CheckMessage("ip:203.0.113.7"); d.Allowed {
		t.Error("ip-keyed client should exhaust the reduced budget")
	}
	if d := l.CheckMessage("user:u1"); !d.Allowed {
		t.Error("user-keyed budget should be unaffected")
	}
}

func TestCheckConnection_PerIPCap(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxConnectionsPerIP: 2, AttemptRate: 1000, AttemptBurst: 1000})

	if d := l.CheckConnection("10.1.1.1:100"); !d.Allowed {
		t.Fatal("first connection denied")
	}
	if d := l.CheckConnection("10.1.1.1:101"); !d.Allowed {
		t.Fatal("second connection denied")
	}

	d := l.CheckConnection("10.1.1.1:102")
	if d.Allowed {
		t.Fatal("third concurrent connection should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Error("denial should carry a retry hint")
	}

	// Different port, same IP: still the same cap. Different IP: fine.
	if d := l.CheckConnection("10.1.1.2:100"); !d.Allowed {
		t.Error("other IP should be admitted")
	}

	// Releasing frees a slot.
	l.ReleaseConnection("10.1.1.1:100")
	if d := l.CheckConnection("10.1.1.1:103"); !d.Allowed {
		t.Error("connection after release should be admitted")
	}
}

func TestCheckConnection_AttemptThrottle(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxConnectionsPerIP: 1000, AttemptRate: 0.001, AttemptBurst: 3})

	allowed := 0
	for i := 0; i < 10; i++ {
		if d := l.CheckConnection("10.2.2.2:1"); d.Allowed {
			allowed++
			l.ReleaseConnection("10.2.2.2:1")
		}
	}
	if allowed != 3 {
		t.Errorf("attempt burst admitted %d, want 3", allowed)
	}
}

func TestSweep(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxMessagesPerWindow: 5, Window: time.Minute})

	l.CheckMessage("user:old")
	l.CheckConnection("10.3.3.3:1")
	l.ReleaseConnection("10.3.3.3:1")

	if removed := l.Sweep(clock.now()); removed != 0 {
		t.Errorf("fresh entries swept: %d", removed)
	}

	clock.advance(15 * time.Minute)
	if removed := l.Sweep(clock.now()); removed != 2 {
		t.Errorf("Sweep removed %d entries, want 2", removed)
	}
}
