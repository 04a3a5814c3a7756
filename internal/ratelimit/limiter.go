// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package ratelimit provides per-identity message rate limiting and
// per-IP connection limiting for the gateway.
//
// Message limiting uses a fixed window keyed by client identity so that
// rejections can carry an exact retry-after hint. Connection admission
// combines a concurrent-connections-per-IP cap with a token bucket
// (golang.org/x/time/rate) throttling connection attempts.
package ratelimit

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Violation classifies a message rate-limit rejection.
type Violation string

const (
	// ViolationSoft means the window budget was exceeded; the message is
	// rejected but the connection survives.
	ViolationSoft Violation = "SOFT_EXCEEDED"

	// ViolationPersistent means the budget was exceeded by the abuse
	// multiple within one window; the caller must terminate the connection.
	ViolationPersistent Violation = "PERSISTENT_ABUSE"
)

// AnonymousKey is the shared identity for clients with no user, session,
// or resolvable IP. It gets a reduced budget so an unidentified flood
// cannot consume the full window on behalf of every anonymous client.
const AnonymousKey = "anonymous"

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Violation  Violation
	RetryAfter time.Duration
}

// allow is the positive decision shared by all checks.
var allow = Decision{Allowed: true}

// Config holds limiter tunables.
type Config struct {
	// MaxMessagesPerWindow is the per-identity message budget per window.
	MaxMessagesPerWindow int

	// Window is the fixed window length.
	Window time.Duration

	// AbuseMultiplier scales the budget to the persistent-abuse threshold.
	// Exceeding MaxMessagesPerWindow*AbuseMultiplier within one window is
	// connection-terminating. Minimum effective value is 2.
	AbuseMultiplier int

	// MaxConnectionsPerIP caps concurrent connections per remote IP.
	MaxConnectionsPerIP int

	// AttemptRate and AttemptBurst throttle connection attempts per IP
	// (token bucket), independent of the concurrent cap.
	AttemptRate  float64
	AttemptBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerWindow: 60,
		Window:               time.Minute,
		AbuseMultiplier:      3,
		MaxConnectionsPerIP:  10,
		AttemptRate:          2.0,
		AttemptBurst:         10,
	}
}

// window tracks one identity's fixed-window counter.
type window struct {
	start      time.Time
	count      int
	violations int
}

// ipState tracks per-IP connection admission.
type ipState struct {
	active   int
	attempts *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces message and connection limits. All methods are safe
// for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
	ips     map[string]*ipState

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a limiter with the given configuration. Zero values fall
// back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxMessagesPerWindow <= 0 {
		cfg.MaxMessagesPerWindow = def.MaxMessagesPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.AbuseMultiplier < 2 {
		cfg.AbuseMultiplier = 2
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = def.MaxConnectionsPerIP
	}
	if cfg.AttemptRate <= 0 {
		cfg.AttemptRate = def.AttemptRate
	}
	if cfg.AttemptBurst <= 0 {
		cfg.AttemptBurst = def.AttemptBurst
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		ips:     make(map[string]*ipState),
		now:     time.Now,
	}
}

// ClientKey resolves the rate-limit identity for a client, in priority
// order: user > session > IP > anonymous.
func ClientKey(userID, sessionID, ipAddr string) string {
	switch {
	case userID != "":
		return "user:" + userID
	case sessionID != "":
		return "session:" + sessionID
	default:
		if ip := NormalizeIP(ipAddr); ip != "" {
			return "ip:" + ip
		}
		return AnonymousKey
	}
}

// NormalizeIP canonicalizes a remote address for keying: the port suffix
// is stripped, IPv4-mapped IPv6 addresses are unwrapped, and the IPv6
// loopback collapses to 127.0.0.1. Returns "" for unparsable input.
func NormalizeIP(addr string) string {
	if addr == "" {
		return ""
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if ip.IsLoopback() {
		return "127.0.0.1"
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// CheckConnection admits or denies a new connection from ip. Denials
// carry a retry hint. The caller must pair every allowed connection with
// a ReleaseConnection when it closes.
func (l *Limiter) CheckConnection(ipAddr string) Decision {
	ip := NormalizeIP(ipAddr)
	if ip == "" {
		ip = AnonymousKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.ips[ip]
	if !ok {
		st = &ipState{
			attempts: rate.NewLimiter(rate.Limit(l.cfg.AttemptRate), l.cfg.AttemptBurst),
		}
		l.ips[ip] = st
	}
	st.lastSeen = l.now()

	if !st.attempts.Allow() {
		return Decision{Violation: ViolationSoft, RetryAfter: time.Second}
	}
	if st.active >= l.cfg.MaxConnectionsPerIP {
		return Decision{Violation: ViolationSoft, RetryAfter: 5 * time.Second}
	}

	st.active++
	return allow
}

// ReleaseConnection records that a connection from ip has closed.
func (l *Limiter) ReleaseConnection(ipAddr string) {
	ip := NormalizeIP(ipAddr)
	if ip == "" {
		ip = AnonymousKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.ips[ip]; ok && st.active > 0 {
		st.active--
	}
}

// CheckMessage counts one inbound message against the identity's fixed
// window and returns the decision. Window rollover and counter reset are
// a single atomic step under the limiter lock; the count never goes
// negative.
func (l *Limiter) CheckMessage(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{start: now}
		l.windows[key] = w
	}

	if now.Sub(w.start) >= l.cfg.Window {
		w.start = now
		w.count = 0
	}

	w.count++

	budget := l.cfg.MaxMessagesPerWindow
	if reducedBudgetKey(key) {
		budget = anonymousBudget(budget)
	}

	if w.count <= budget {
		return allow
	}

	retryAfter := w.start.Add(l.cfg.Window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	w.violations++

	if w.count > budget*l.cfg.AbuseMultiplier {
		return Decision{Violation: ViolationPersistent, RetryAfter: retryAfter}
	}
	return Decision{Violation: ViolationSoft, RetryAfter: retryAfter}
}

// reducedBudgetKey reports whether the key identifies no verified user:
// IP-keyed clients and the shared anonymous pool both get the reduced
// budget, so an unidentified flood cannot claim a full per-user window.
func reducedBudgetKey(key string) bool {
	return key == AnonymousKey || strings.HasPrefix(key, "ip:")
}

// anonymousBudget shrinks the unidentified-client budget to a quarter of
// the per-identity budget, with a floor of one message per window.
func anonymousBudget(budget int) int {
	b := budget / 4
	if b < 1 {
		b = 1
	}
	return b
}

// Sweep drops idle window counters and IP states. Returns the number of
// entries removed. Intended to run from a background scheduler.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.cfg.Window {
			delete(l.windows, key)
			removed++
		}
	}
	for ip, st := range l.ips {
		if st.active == 0 && now.Sub(st.lastSeen) >= 10*time.Minute {
			delete(l.ips, ip)
			removed++
		}
	}
	return removed
}

// ActiveConnections reports the tracked concurrent connection count for
// an IP, for stats surfaces.
func (l *Limiter) ActiveConnections(ipAddr string) int {
	ip := NormalizeIP(ipAddr)
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.ips[ip]; ok {
		return st.active
	}
	return 0
}
