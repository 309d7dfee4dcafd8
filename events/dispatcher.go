// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultQueueSize is the per-subscriber queue capacity when the
// config leaves it zero.
const DefaultQueueSize = 32

// ErrClosed reports that the dispatcher has delivered its terminal
// event and accepts no new subscribers.
var ErrClosed = errors.New("events: dispatcher closed")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// QueueSize is the per-subscriber queue capacity. Zero means
	// DefaultQueueSize.
	QueueSize int

	// Logger receives drop diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// Registerer receives the dispatcher's metrics. Nil disables
	// metrics registration.
	Registerer prometheus.Registerer
}

// Dispatcher fans events out to subscribers. Dispatch is called from a
// single goroutine (the session's event pump), which is what makes
// per-subscriber delivery order equal wire order.
type Dispatcher struct {
	queueSize int
	logger    *slog.Logger
	metrics   *metrics

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewDispatcher builds a dispatcher from the config.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		queueSize: cfg.QueueSize,
		logger:    cfg.Logger,
		metrics:   newMetrics(cfg.Registerer),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	dispatcher *Dispatcher
	kinds      map[string]struct{}
	ch         chan Event
	dropped    atomic.Uint64
	cancelOnce sync.Once
}

// Subscribe registers a subscriber for the given kinds. No kinds means
// all kinds. Lifecycle events (stream_interrupted, stream_ended) are
// delivered regardless of the filter.
func (d *Dispatcher) Subscribe(kinds ...string) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		dispatcher: d,
		ch:         make(chan Event, d.queueSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}
	d.subs[sub] = struct{}{}
	d.metrics.subscribers.Inc()
	return sub, nil
}

// Events returns the subscriber's queue. The channel closes after the
// terminal stream_ended event, or on Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has lost to queue
// overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes its channel. Idempotent,
// and safe after the dispatcher has closed.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		d := s.dispatcher
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subs[s]; !ok {
			return
		}
		delete(d.subs, s)
		d.metrics.subscribers.Dec()
		close(s.ch)
	})
}

func (s *Subscription) wants(kind string) bool {
	if s.kinds == nil {
		return true
	}
	if kind == KindStreamInterrupted || kind == KindStreamEnded {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Dispatch delivers one event to every matching subscriber. Never
// blocks: a full queue drops its oldest event to admit the new one.
func (d *Dispatcher) Dispatch(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.metrics.dispatched.Inc()
	for sub := range d.subs {
		if sub.wants(e.Kind) {
			d.deliver(sub, e)
		}
	}
}

// deliver enqueues without blocking. Caller holds d.mu, which is the
// only writer side of sub.ch, so the drop-then-send below cannot race
// another sender.
func (d *Dispatcher) deliver(sub *Subscription, e Event) {
	select {
	case sub.ch <- e:
		return
	default:
	}

	// Queue full: evict the oldest, then retry. The subscriber may
	// have drained concurrently, in which case the eviction select
	// falls through and the retry succeeds.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		d.metrics.dropped.Inc()
		d.logger.Warn("event subscriber queue full, dropped oldest event",
			"kind", e.Kind,
			"dropped_total", sub.dropped.Load())
	default:
	}
	select {
	case sub.ch <- e:
	default:
	}
}

// Interrupt tells every subscriber that the event stream dropped and a
// reconnect is under way. Subscriptions stay open across it.
func (d *Dispatcher) Interrupt() {
	d.Dispatch(Event{Kind: KindStreamInterrupted})
}

// Close delivers the terminal stream_ended event and closes every
// subscriber channel. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for sub := range d.subs {
		d.deliver(sub, Event{Kind: KindStreamEnded})
		delete(d.subs, sub)
		d.metrics.subscribers.Dec()
		close(sub.ch)
	}
}

type metrics struct {
	dispatched  prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		dispatched: registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vector_events_dispatched_total",
			Help: "Events read from the robot's event stream.",
		})),
		dropped: registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vector_events_dropped_total",
			Help: "Events dropped from full subscriber queues.",
		})),
		subscribers: registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_event_subscribers",
			Help: "Active event subscriptions.",
		})),
	}
}

// registerOrReuse registers the collector, reusing the one already
// registered under the same name. A registerer outlives any single
// dispatcher, so a session reopened against the same registry must not
// double-register.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if reg == nil {
		return collector
	}
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(C)
		}
		panic(err)
	}
	return collector
}
