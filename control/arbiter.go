// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anki/vector-go-sdk/events"
	"github.com/anki/vector-go-sdk/lib/codec"
)

// Wire methods for the control negotiation.
const (
	MethodRequest = "v1/behavior_control/request"
	MethodRelease = "v1/behavior_control/release"
)

// unsolicitedReleaseTimeout bounds the release issued for a grant that
// arrived after its request was abandoned.
const unsolicitedReleaseTimeout = 5 * time.Second

var (
	// ErrAlreadyRequested reports a Request while another request is
	// still waiting for the robot's answer. Requests are not queued.
	ErrAlreadyRequested = errors.New("control: request already in flight")

	// ErrAlreadyGranted reports a Request while a granted token is
	// still live.
	ErrAlreadyGranted = errors.New("control: control already granted")

	// ErrControlLost reports that the robot revoked control. Commands
	// guarded by the revoked token fail with it.
	ErrControlLost = errors.New("control: control lost")

	// ErrReleased reports a command guarded by a token that was
	// voluntarily released.
	ErrReleased = errors.New("control: control released")

	// ErrClosed reports a Request after the arbiter shut down.
	ErrClosed = errors.New("control: arbiter closed")
)

// State is the arbiter's position in the control negotiation.
type State uint8

const (
	// StateUnowned means no request is outstanding and no token is
	// live.
	StateUnowned State = iota

	// StateRequested means a request is on the wire, awaiting the
	// robot's grant event.
	StateRequested

	// StateGranted means a token is live.
	StateGranted
)

func (s State) String() string {
	switch s {
	case StateUnowned:
		return "unowned"
	case StateRequested:
		return "requested"
	case StateGranted:
		return "granted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Caller issues unary calls to the robot. The session's call router
// implements it.
type Caller interface {
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// controlRequest is the body of a control request call.
type controlRequest struct {
	Priority Priority `cbor:"priority"`
}

// ArbiterConfig configures an Arbiter.
type ArbiterConfig struct {
	// Caller issues the request and release calls. Required.
	Caller Caller

	// Dispatcher supplies the control_granted / control_lost events.
	// Required.
	Dispatcher *events.Dispatcher

	// Logger. Nil means slog.Default().
	Logger *slog.Logger
}

// Arbiter tracks control ownership for one session.
type Arbiter struct {
	caller Caller
	logger *slog.Logger
	sub    *events.Subscription

	mu      sync.Mutex
	state   State
	current *Token
	pending chan error // nil value = granted; buffered
	closed  bool
}

// NewArbiter subscribes to the dispatcher's control events and starts
// watching them.
func NewArbiter(cfg ArbiterConfig) (*Arbiter, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("control: config needs a Caller")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("control: config needs a Dispatcher")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sub, err := cfg.Dispatcher.Subscribe(events.KindControlGranted, events.KindControlLost)
	if err != nil {
		return nil, fmt.Errorf("control: subscribing to control events: %w", err)
	}
	a := &Arbiter{
		caller: cfg.Caller,
		logger: cfg.Logger,
		sub:    sub,
	}
	go a.watch()
	return a, nil
}

// State returns the arbiter's current state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Request asks the robot for behavior control at the given priority
// and blocks until it is granted, the context ends, or control is
// refused. On success the returned token stays live until Release or
// a revocation.
func (a *Arbiter) Request(ctx context.Context, priority Priority) (*Token, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("control: invalid priority %d", uint32(priority))
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	switch a.state {
	case StateRequested:
		a.mu.Unlock()
		return nil, ErrAlreadyRequested
	case StateGranted:
		a.mu.Unlock()
		return nil, ErrAlreadyGranted
	}
	pending := make(chan error, 1)
	a.state = StateRequested
	a.pending = pending
	a.mu.Unlock()

	payload, err := codec.Marshal(controlRequest{Priority: priority})
	if err != nil {
		a.abandonRequest(pending)
		return nil, fmt.Errorf("control: encoding request: %w", err)
	}
	if _, err := a.caller.Call(ctx, MethodRequest, payload); err != nil {
		a.abandonRequest(pending)
		return nil, fmt.Errorf("control: requesting control: %w", err)
	}

	select {
	case err := <-pending:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		a.abandonRequest(pending)
		// A grant may have raced in just before the caller gave up;
		// undo it on the robot so control does not leak.
		select {
		case raceErr := <-pending:
			if raceErr == nil {
				if _, err := a.caller.Call(context.Background(), MethodRelease, nil); err != nil {
					a.logger.Warn("releasing raced control grant", "error", err)
				}
			}
		default:
		}
		return nil, ctx.Err()
	}

	token := &Token{
		arbiter:  a,
		priority: priority,
		revoked:  make(chan struct{}),
	}
	a.mu.Lock()
	if a.state != StateRequested {
		// A revocation landed between the grant and here.
		a.mu.Unlock()
		return nil, ErrControlLost
	}
	a.state = StateGranted
	a.current = token
	a.mu.Unlock()

	a.logger.Info("behavior control granted", "priority", priority)
	return token, nil
}

// abandonRequest returns the arbiter to Unowned after a request the
// caller gave up on.
func (a *Arbiter) abandonRequest(pending chan error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == pending {
		a.pending = nil
	}
	if a.state == StateRequested {
		a.state = StateUnowned
	}
}

// watch consumes control events for the arbiter's lifetime.
func (a *Arbiter) watch() {
	for e := range a.sub.Events() {
		switch e.Kind {
		case events.KindControlGranted:
			a.handleGranted()
		case events.KindControlLost:
			a.handleLost(ErrControlLost)
		case events.KindStreamInterrupted:
			// Control does not survive a connection drop.
			a.handleLost(ErrControlLost)
		case events.KindStreamEnded:
			a.shutdown()
			return
		}
	}
	a.shutdown()
}

func (a *Arbiter) handleGranted() {
	a.mu.Lock()
	if a.pending != nil {
		a.pending <- nil
		a.pending = nil
		// State stays Requested until Request builds the token and
		// moves to Granted; the window in between still refuses new
		// requests.
		a.mu.Unlock()
		return
	}
	hasToken := a.current != nil
	closed := a.closed
	a.mu.Unlock()

	if hasToken || closed {
		return
	}

	// Nobody is waiting for this grant: the requester abandoned the
	// request before it landed. The robot still considers control
	// granted, so give it back.
	a.logger.Debug("unsolicited control grant, releasing")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), unsolicitedReleaseTimeout)
		defer cancel()
		if _, err := a.caller.Call(ctx, MethodRelease, nil); err != nil {
			a.logger.Warn("releasing unsolicited control grant", "error", err)
		}
	}()
}

func (a *Arbiter) handleLost(cause error) {
	a.mu.Lock()
	pending := a.pending
	current := a.current
	a.pending = nil
	a.current = nil
	a.state = StateUnowned
	a.mu.Unlock()

	if pending != nil {
		pending <- cause
	}
	if current != nil {
		current.fail(cause)
		a.logger.Info("behavior control lost", "priority", current.priority)
	}
}

// shutdown ends the arbiter when the session does.
func (a *Arbiter) shutdown() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.handleLost(ErrControlLost)
}

// Release gives back the live token, if any. A no-op when nothing is
// granted.
func (a *Arbiter) Release(ctx context.Context) error {
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()
	if current == nil {
		return nil
	}
	return a.release(ctx, current)
}

// release clears token t if it is still the live one, then tells the
// robot. Called from Token.Release.
func (a *Arbiter) release(ctx context.Context, t *Token) error {
	a.mu.Lock()
	if a.current != t {
		// Already revoked or released; nothing to undo.
		a.mu.Unlock()
		return nil
	}
	a.current = nil
	a.state = StateUnowned
	closed := a.closed
	a.mu.Unlock()

	t.fail(ErrReleased)
	a.logger.Info("behavior control released", "priority", t.priority)

	if closed {
		return nil
	}
	if _, err := a.caller.Call(ctx, MethodRelease, nil); err != nil {
		return fmt.Errorf("control: releasing control: %w", err)
	}
	return nil
}
