// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package vector

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anki/vector-go-sdk/credentials"
	"github.com/anki/vector-go-sdk/lib/clock"
	"github.com/anki/vector-go-sdk/transport"
)

// Resolver finds a robot's current address by name.
// *discovery.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

type options struct {
	store      *credentials.Store
	storePath  string
	resolver   Resolver
	dialer     transport.Dialer
	clock      clock.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer

	eventQueueSize  int
	reconnectBudget int
}

// Option customizes Open.
type Option func(*options)

// WithStore uses an already-constructed credential store instead of
// the default on-disk one.
func WithStore(store *credentials.Store) Option {
	return func(o *options) { o.store = store }
}

// WithStorePath reads credentials from path instead of the default
// location.
func WithStorePath(path string) Option {
	return func(o *options) { o.storePath = path }
}

// WithResolver overrides the mDNS resolver used when the stored
// address has gone stale.
func WithResolver(resolver Resolver) Option {
	return func(o *options) { o.resolver = resolver }
}

// WithDialer overrides the transport dialer.
func WithDialer(dialer transport.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithClock overrides the session's time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers session and event metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithEventQueueSize sets the per-subscriber event queue capacity.
func WithEventQueueSize(n int) Option {
	return func(o *options) { o.eventQueueSize = n }
}

// WithReconnectBudget sets how many consecutive reconnect attempts are
// made after a connection loss. Negative disables reconnection.
func WithReconnectBudget(n int) Option {
	return func(o *options) { o.reconnectBudget = n }
}
