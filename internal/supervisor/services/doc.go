// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package services adapts components without a native suture.Service
// implementation (http.Server, broker event sources) so they can run
// under the supervision tree.
package services
