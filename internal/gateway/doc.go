// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

/*
Package gateway composes the realtime endpoint: admission, rate
limiting, session continuity, heartbeat liveness, and channel fan-out
behind a single WebSocket handler.

# Lifecycle

A connection passes through these stages:

 1. Admission: per-IP attempt throttle and concurrent cap, then global
    capacity, all before the upgrade; authentication after the upgrade
    so failures carry a structured error and close code 1008.
 2. Session: a reconnect token presented on the upgrade resumes the
    previous session, flushing messages queued while detached with
    their original sequence numbers.
 3. Steady state: inbound messages are rate limited, decoded, and
    dispatched; subscribe/unsubscribe manage channel membership; domain
    messages go to the injected BusinessMessageHandler after a
    permission check.
 4. Teardown: read failure, heartbeat eviction, or shutdown releases
    registry and limiter state; the session survives detached until the
    session timeout.

# Collaborators

The gateway owns no business logic. Domain messages are forwarded to a
BusinessMessageHandler; externally produced events enter through a
BusinessEventSource (for example the NATS source, built with the nats
tag) and fan out via Broadcast. Credentials are verified by a pluggable
authgate.TokenVerifier.
*/
package gateway
