// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anki/vector-go-sdk/credentials"
	"github.com/anki/vector-go-sdk/events"
	"github.com/anki/vector-go-sdk/lib/clock"
	"github.com/anki/vector-go-sdk/transport"
)

// Defaults for the zero-valued Config fields.
const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultMissedPingLimit   = 2
	DefaultBackoffBase       = 250 * time.Millisecond
	DefaultBackoffCap        = 10 * time.Second
	DefaultReconnectBudget   = 8
)

var (
	// ErrNotConnected reports an operation that needs a Connected
	// session. Calls and new subscriptions fail fast with it instead
	// of queueing behind a reconnect.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConnectionLost reports that the connection died under an
	// in-flight operation, or that the reconnect budget ran out.
	ErrConnectionLost = errors.New("session: connection lost")

	// ErrUnsupportedVersion reports a protocol-version handshake the
	// robot's firmware cannot satisfy. Never retried.
	ErrUnsupportedVersion = errors.New("session: unsupported protocol version")
)

// State is the session's lifecycle position.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config configures a session.
type Config struct {
	// Identity is the robot to connect to. Required, and must
	// validate.
	Identity credentials.Identity

	// Dialer opens the transport. Nil means a TLSDialer.
	Dialer transport.Dialer

	// Clock drives keepalive and backoff timing. Nil means the real
	// clock.
	Clock clock.Clock

	// Logger. Nil means slog.Default().
	Logger *slog.Logger

	// Registerer receives session and dispatcher metrics. Nil disables
	// metrics registration.
	Registerer prometheus.Registerer

	// KeepaliveInterval is the ping period. Zero means
	// DefaultKeepaliveInterval.
	KeepaliveInterval time.Duration

	// MissedPingLimit is how many consecutive failed pings declare the
	// connection dead. Zero means DefaultMissedPingLimit.
	MissedPingLimit int

	// BackoffBase and BackoffCap bound the jittered exponential delay
	// between reconnect attempts. Zero means the defaults.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ReconnectBudget is the number of consecutive failed reconnect
	// attempts before the session closes. Zero means
	// DefaultReconnectBudget; negative disables reconnection entirely,
	// so the first connection loss closes the session.
	ReconnectBudget int

	// EventQueueSize is the per-subscriber event queue capacity. Zero
	// means the dispatcher default.
	EventQueueSize int
}

func (c *Config) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = &transport.TLSDialer{Logger: c.Logger}
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.MissedPingLimit <= 0 {
		c.MissedPingLimit = DefaultMissedPingLimit
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.ReconnectBudget == 0 {
		c.ReconnectBudget = DefaultReconnectBudget
	}
}

// Session is one live connection to a robot.
type Session struct {
	identity credentials.Identity
	dialer   transport.Dialer
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics

	keepaliveInterval time.Duration
	missedPingLimit   int
	backoffBase       time.Duration
	backoffCap        time.Duration
	reconnectBudget   int

	dispatcher *events.Dispatcher
	clientID   string
	seq        atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        State
	current      transport.Channel
	stateChanged chan struct{}
}

// Open connects to the robot and starts the session's supervision
// loop. The context bounds only the initial dial and handshake.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	cfg.setDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		identity:          cfg.Identity,
		dialer:            cfg.Dialer,
		clock:             cfg.Clock,
		logger:            cfg.Logger.With("robot", cfg.Identity.Serial),
		metrics:           newMetrics(cfg.Registerer),
		keepaliveInterval: cfg.KeepaliveInterval,
		missedPingLimit:   cfg.MissedPingLimit,
		backoffBase:       cfg.BackoffBase,
		backoffCap:        cfg.BackoffCap,
		reconnectBudget:   cfg.ReconnectBudget,
		dispatcher: events.NewDispatcher(events.DispatcherConfig{
			QueueSize:  cfg.EventQueueSize,
			Logger:     cfg.Logger,
			Registerer: cfg.Registerer,
		}),
		clientID:     uuid.NewString(),
		ctx:          runCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateIdle,
		stateChanged: make(chan struct{}),
	}

	s.setState(StateConnecting)
	ch, err := s.connect(ctx)
	if err != nil {
		s.setState(StateClosed)
		s.dispatcher.Close()
		cancel()
		close(s.done)
		return nil, err
	}

	s.mu.Lock()
	s.current = ch
	s.mu.Unlock()
	s.setState(StateConnected)
	s.logger.Info("session connected", "address", s.identity.Address)

	go s.run(ch)
	return s, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitForState blocks until the session reaches want or the context
// ends. A session that closes first satisfies only want == StateClosed.
func (s *Session) WaitForState(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.stateChanged
		s.mu.Unlock()
		if state == want {
			return nil
		}
		if state == StateClosed {
			return fmt.Errorf("session: closed while waiting for state %v", want)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state {
		return
	}
	s.state = state
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
}

// Call routes one unary call to the robot, stamped with the access
// token and the next sequence number. Fails fast with ErrNotConnected
// unless the session is Connected.
func (s *Session) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	if s.state != StateConnected || s.current == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: %s: %w", method, ErrNotConnected)
	}
	ch := s.current
	s.mu.Unlock()

	s.metrics.calls.Inc()
	response, err := ch.Call(ctx, transport.Call{
		Method:  method,
		Token:   s.identity.Token,
		Seq:     s.seq.Add(1),
		Payload: payload,
	})
	if errors.Is(err, transport.ErrClosed) {
		// Distinguish an explicit close from a transport failure.
		if s.ctx.Err() != nil {
			return nil, fmt.Errorf("session: %s: cancelled by close: %w", method, context.Canceled)
		}
		return nil, fmt.Errorf("session: %s: %w", method, ErrConnectionLost)
	}
	return response, err
}

// Subscribe registers an event subscription. No kinds means all
// kinds. Subscriptions made while Connected survive reconnects; a
// session that is not Connected refuses new ones.
func (s *Session) Subscribe(kinds ...string) (*events.Subscription, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateConnected {
		return nil, fmt.Errorf("session: subscribe: %w", ErrNotConnected)
	}
	sub, err := s.dispatcher.Subscribe(kinds...)
	if err != nil {
		return nil, fmt.Errorf("session: subscribe: %w", ErrNotConnected)
	}
	return sub, nil
}

// Dispatcher exposes the session's event dispatcher for wiring the
// control arbiter.
func (s *Session) Dispatcher() *events.Dispatcher {
	return s.dispatcher
}

// Close ends the session: the connection is torn down, subscribers
// get the terminal stream_ended event, and their channels close.
// Blocks until the supervision loop has finished. Idempotent.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Done returns a channel that closes when the session has fully shut
// down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

type metrics struct {
	calls      prometheus.Counter
	reconnects prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		calls: registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vector_session_calls_total",
			Help: "Unary calls routed to the robot.",
		})),
		reconnects: registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vector_session_reconnects_total",
			Help: "Reconnect rounds entered after a connection loss.",
		})),
	}
}

// registerOrReuse registers the collector, reusing the one already
// registered under the same name. A registerer outlives any single
// session: rediscovery retries and close-then-reopen both construct a
// fresh session against the same registry.
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
