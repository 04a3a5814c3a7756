// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

/*
Package supervisor builds the gateway's suture/v4 supervision tree.

Services are grouped into two child supervisors under one root:

	cartpulse
	├── realtime-layer
	│   ├── heartbeat monitor
	│   ├── gateway sweeper
	│   ├── stats publisher
	│   └── event source (optional, NATS)
	└── api-layer
	    └── http server

A panicking or failing service is restarted with exponential backoff by
its layer supervisor; the other layer keeps running. Supervisor events
are logged through sutureslog into slog.

The services subpackage adapts non-suture components (http.Server, the
gateway's event sources) to the suture.Service interface.
*/
package supervisor
