// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anki/vector-go-sdk/control"
	"github.com/anki/vector-go-sdk/credentials"
	"github.com/anki/vector-go-sdk/discovery"
	"github.com/anki/vector-go-sdk/events"
	"github.com/anki/vector-go-sdk/session"
	"github.com/anki/vector-go-sdk/transport"
)

// ErrAlreadyOpen reports a second Open for a robot this process
// already holds open.
var ErrAlreadyOpen = errors.New("vector: robot already open in this process")

// releaseTimeout bounds the best-effort control release during Close.
const releaseTimeout = 2 * time.Second

// registryToken identifies one claim on a serial. Release is keyed by
// token, not serial, so a stale Robot (one whose session already died
// and freed the slot) cannot evict a newer claim for the same serial.
type registryToken struct {
	serial string
}

// registry enforces one open Robot per serial per process.
var registry = struct {
	sync.Mutex
	open map[string]*registryToken
}{open: make(map[string]*registryToken)}

func registryClaim(serial string) (*registryToken, bool) {
	registry.Lock()
	defer registry.Unlock()
	if _, taken := registry.open[serial]; taken {
		return nil, false
	}
	token := &registryToken{serial: serial}
	registry.open[serial] = token
	return token, true
}

func registryRelease(token *registryToken) {
	registry.Lock()
	defer registry.Unlock()
	if registry.open[token.serial] == token {
		delete(registry.open, token.serial)
	}
}

// Robot is an open connection to one robot.
type Robot struct {
	identity credentials.Identity
	session  *session.Session
	arbiter  *control.Arbiter
	logger   *slog.Logger
	claim    *registryToken

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the robot with the given serial number using its
// stored credentials. When the last known address no longer answers,
// the robot is rediscovered over mDNS and the refreshed address is
// written back to the store.
func Open(ctx context.Context, serial string, opts ...Option) (*Robot, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	store := o.store
	if store == nil {
		path := o.storePath
		if path == "" {
			var err error
			path, err = credentials.DefaultPath()
			if err != nil {
				return nil, fmt.Errorf("vector: locating credential store: %w", err)
			}
		}
		store = credentials.NewStore(path)
	}

	identity, err := store.Load(serial)
	if err != nil {
		return nil, fmt.Errorf("vector: loading credentials for %q: %w", serial, err)
	}

	claim, ok := registryClaim(identity.Serial)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, identity.Serial)
	}
	claimed := true
	defer func() {
		if claimed {
			registryRelease(claim)
		}
	}()

	sess, err := openSession(ctx, &o, identity)
	if err != nil {
		if !addressMayBeStale(err) {
			return nil, err
		}
		o.logger.Info("stored address did not answer, rediscovering",
			"robot", identity.Serial, "address", identity.Address, "error", err)

		resolver := o.resolver
		if resolver == nil {
			resolver = &discovery.Resolver{Logger: o.logger}
		}
		address, rerr := resolver.Resolve(ctx, identity.Name)
		if rerr != nil {
			return nil, fmt.Errorf("vector: robot unreachable at %s and discovery failed (%v): %w",
				identity.Address, rerr, err)
		}
		identity.Address = address
		sess, err = openSession(ctx, &o, identity)
		if err != nil {
			return nil, err
		}
		if serr := store.Save(identity); serr != nil {
			o.logger.Warn("saving rediscovered address", "robot", identity.Serial, "error", serr)
		}
	}

	arbiter, err := control.NewArbiter(control.ArbiterConfig{
		Caller:     sess,
		Dispatcher: sess.Dispatcher(),
		Logger:     o.logger,
	})
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("vector: %w", err)
	}

	robot := &Robot{
		identity: identity,
		session:  sess,
		arbiter:  arbiter,
		logger:   o.logger,
		claim:    claim,
	}

	// The registry entry lives exactly as long as the session, even
	// when the session closes itself (reconnect budget exhausted).
	claimed = false
	go func() {
		<-sess.Done()
		registryRelease(claim)
	}()

	return robot, nil
}

func openSession(ctx context.Context, o *options, identity credentials.Identity) (*session.Session, error) {
	return session.Open(ctx, session.Config{
		Identity:        identity,
		Dialer:          o.dialer,
		Clock:           o.clock,
		Logger:          o.logger,
		Registerer:      o.registerer,
		EventQueueSize:  o.eventQueueSize,
		ReconnectBudget: o.reconnectBudget,
	})
}

// addressMayBeStale reports whether a connect failure could be cured
// by rediscovering the robot's address. Credential and protocol
// failures cannot.
func addressMayBeStale(err error) bool {
	if transport.IsStatus(err, transport.CodeUnauthenticated) {
		return false
	}
	if errors.Is(err, session.ErrUnsupportedVersion) {
		return false
	}
	return true
}

// Serial returns the robot's serial number.
func (r *Robot) Serial() string { return r.identity.Serial }

// Name returns the robot's name, e.g. "Vector-A1B2".
func (r *Robot) Name() string { return r.identity.Name }

// State returns the underlying session state.
func (r *Robot) State() session.State { return r.session.State() }

// Call issues one unary command to the robot.
func (r *Robot) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return r.session.Call(ctx, method, payload)
}

// Subscribe follows the robot's event stream. No kinds means all
// kinds.
func (r *Robot) Subscribe(kinds ...string) (*events.Subscription, error) {
	return r.session.Subscribe(kinds...)
}

// RequestControl asks for behavior control and blocks until granted.
func (r *Robot) RequestControl(ctx context.Context, priority control.Priority) (*control.Token, error) {
	return r.arbiter.Request(ctx, priority)
}

// Done returns a channel that closes when the robot's session has
// fully shut down, whether by Close or by exhausting its reconnect
// budget.
func (r *Robot) Done() <-chan struct{} { return r.session.Done() }

// Close releases behavior control if held, then shuts the session
// down. Idempotent.
func (r *Robot) Close() error {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := r.arbiter.Release(ctx); err != nil {
			r.logger.Warn("releasing behavior control on close", "robot", r.identity.Serial, "error", err)
		}
		r.closeErr = r.session.Close()
		registryRelease(r.claim)
	})
	return r.closeErr
}
