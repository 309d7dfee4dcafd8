// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anki/vector-go-sdk/events"
	"github.com/anki/vector-go-sdk/lib/codec"
	"github.com/anki/vector-go-sdk/lib/testutil"
)

// fakeCaller records calls and announces each on a channel so tests
// can sequence robot events against them.
type fakeCaller struct {
	called chan string

	mu       sync.Mutex
	payloads map[string][]byte
	errs     map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		called:   make(chan string, 16),
		payloads: make(map[string][]byte),
		errs:     make(map[string]error),
	}
}

func (c *fakeCaller) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	c.payloads[method] = payload
	err := c.errs[method]
	c.mu.Unlock()
	c.called <- method
	return nil, err
}

func (c *fakeCaller) failMethod(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[method] = err
}

func (c *fakeCaller) payload(method string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[method]
}

func newTestArbiter(t *testing.T) (*Arbiter, *events.Dispatcher, *fakeCaller) {
	t.Helper()
	d := newTestDispatcher(t)
	caller := newFakeCaller()
	a, err := NewArbiter(ArbiterConfig{Caller: caller, Dispatcher: d})
	if err != nil {
		t.Fatalf("NewArbiter() error: %v", err)
	}
	return a, d, caller
}

func newTestDispatcher(t *testing.T) *events.Dispatcher {
	t.Helper()
	d := events.NewDispatcher(events.DispatcherConfig{})
	t.Cleanup(d.Close)
	return d
}

// grantControl runs a full request/grant exchange and returns the
// live token.
func grantControl(t *testing.T, a *Arbiter, d *events.Dispatcher, caller *fakeCaller, priority Priority) *Token {
	t.Helper()

	type result struct {
		token *Token
		err   error
	}
	results := make(chan result, 1)
	go func() {
		token, err := a.Request(context.Background(), priority)
		results <- result{token, err}
	}()

	method := testutil.RequireReceive(t, caller.called, time.Second, "control request call")
	if method != MethodRequest {
		t.Fatalf("call = %q, want %q", method, MethodRequest)
	}
	d.Dispatch(events.Event{Kind: events.KindControlGranted})

	r := testutil.RequireReceive(t, results, time.Second, "request result")
	if r.err != nil {
		t.Fatalf("Request() error: %v", r.err)
	}
	return r.token
}

func TestRequestGrant(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	token := grantControl(t, a, d, caller, PriorityDefault)
	if got := a.State(); got != StateGranted {
		t.Errorf("State() = %v, want granted", got)
	}
	if err := token.Err(); err != nil {
		t.Errorf("Err() on a live token = %v, want nil", err)
	}
	if got := token.Priority(); got != PriorityDefault {
		t.Errorf("Priority() = %v, want default", got)
	}

	var req controlRequest
	if err := codec.Unmarshal(caller.payload(MethodRequest), &req); err != nil {
		t.Fatalf("decoding request payload: %v", err)
	}
	if req.Priority != PriorityDefault {
		t.Errorf("wire priority = %v, want default", req.Priority)
	}
}

func TestRequestRejectsInvalidPriority(t *testing.T) {
	a, _, _ := newTestArbiter(t)
	if _, err := a.Request(context.Background(), Priority(7)); err == nil {
		t.Error("Request() accepted an undefined priority")
	}
}

func TestRequestWhileRequested(t *testing.T) {
	a, _, caller := newTestArbiter(t)

	go a.Request(context.Background(), PriorityDefault)
	testutil.RequireReceive(t, caller.called, time.Second, "first request call")

	if _, err := a.Request(context.Background(), PriorityDefault); !errors.Is(err, ErrAlreadyRequested) {
		t.Errorf("second Request() error = %v, want ErrAlreadyRequested", err)
	}
}

func TestRequestWhileGranted(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	grantControl(t, a, d, caller, PriorityDefault)
	if _, err := a.Request(context.Background(), PriorityReserveControl); !errors.Is(err, ErrAlreadyGranted) {
		t.Errorf("Request() with live token error = %v, want ErrAlreadyGranted", err)
	}
}

func TestRevocation(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	token := grantControl(t, a, d, caller, PriorityDefault)
	d.Dispatch(events.Event{Kind: events.KindControlLost})

	testutil.RequireClosed(t, token.Revoked(), time.Second, "revocation")
	if err := token.Err(); !errors.Is(err, ErrControlLost) {
		t.Errorf("Err() after revocation = %v, want ErrControlLost", err)
	}
	if got := a.State(); got != StateUnowned {
		t.Errorf("State() after revocation = %v, want unowned", got)
	}

	// A revoked arbiter accepts a fresh request.
	fresh := grantControl(t, a, d, caller, PriorityOverrideBehaviors)
	if err := fresh.Err(); err != nil {
		t.Errorf("fresh token Err() = %v, want nil", err)
	}
}

func TestRelease(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	token := grantControl(t, a, d, caller, PriorityDefault)
	if err := token.Release(context.Background()); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	method := testutil.RequireReceive(t, caller.called, time.Second, "release call")
	if method != MethodRelease {
		t.Fatalf("call = %q, want %q", method, MethodRelease)
	}
	if err := token.Err(); !errors.Is(err, ErrReleased) {
		t.Errorf("Err() after release = %v, want ErrReleased", err)
	}
	if got := a.State(); got != StateUnowned {
		t.Errorf("State() after release = %v, want unowned", got)
	}

	// Idempotent: no second wire call.
	if err := token.Release(context.Background()); err != nil {
		t.Errorf("second Release() error: %v", err)
	}
	select {
	case m := <-caller.called:
		t.Errorf("second Release() made a wire call: %q", m)
	default:
	}
}

func TestRequestCallFailure(t *testing.T) {
	a, _, caller := newTestArbiter(t)

	wireErr := errors.New("robot unavailable")
	caller.failMethod(MethodRequest, wireErr)

	if _, err := a.Request(context.Background(), PriorityDefault); !errors.Is(err, wireErr) {
		t.Fatalf("Request() error = %v, want wrapped %v", err, wireErr)
	}
	if got := a.State(); got != StateUnowned {
		t.Errorf("State() after failed request = %v, want unowned", got)
	}
}

func TestRequestContextCancelled(t *testing.T) {
	a, _, caller := newTestArbiter(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Request(ctx, PriorityDefault)
		errCh <- err
	}()

	testutil.RequireReceive(t, caller.called, time.Second, "request call")
	cancel()

	if err := testutil.RequireReceive(t, errCh, time.Second, "request result"); !errors.Is(err, context.Canceled) {
		t.Errorf("Request() error = %v, want context.Canceled", err)
	}
	if got := a.State(); got != StateUnowned {
		t.Errorf("State() after cancelled request = %v, want unowned", got)
	}
}

func TestGrantAfterAbandonedRequestIsReleased(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Request(ctx, PriorityDefault)
		errCh <- err
	}()

	testutil.RequireReceive(t, caller.called, time.Second, "request call")
	cancel()
	if err := testutil.RequireReceive(t, errCh, time.Second, "request result"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Request() error = %v, want context.Canceled", err)
	}

	// The grant lands only after the requester has given up. The robot
	// still thinks control is ours, so the arbiter must hand it back.
	d.Dispatch(events.Event{Kind: events.KindControlGranted})

	method := testutil.RequireReceive(t, caller.called, time.Second, "release call")
	if method != MethodRelease {
		t.Fatalf("call = %q, want %q", method, MethodRelease)
	}
	if got := a.State(); got != StateUnowned {
		t.Errorf("State() = %v, want unowned", got)
	}
}

func TestControlLostWhileRequested(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), PriorityDefault)
		errCh <- err
	}()

	testutil.RequireReceive(t, caller.called, time.Second, "request call")
	d.Dispatch(events.Event{Kind: events.KindControlLost})

	if err := testutil.RequireReceive(t, errCh, time.Second, "request result"); !errors.Is(err, ErrControlLost) {
		t.Errorf("Request() error = %v, want ErrControlLost", err)
	}
}

func TestInterruptRevokesToken(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	token := grantControl(t, a, d, caller, PriorityDefault)
	d.Interrupt()

	testutil.RequireClosed(t, token.Revoked(), time.Second, "revocation on stream interruption")
	if err := token.Err(); !errors.Is(err, ErrControlLost) {
		t.Errorf("Err() after interruption = %v, want ErrControlLost", err)
	}
}

func TestDispatcherCloseShutsDownArbiter(t *testing.T) {
	a, d, caller := newTestArbiter(t)

	token := grantControl(t, a, d, caller, PriorityDefault)
	d.Close()

	testutil.RequireClosed(t, token.Revoked(), time.Second, "revocation on shutdown")
	if _, err := a.Request(context.Background(), PriorityDefault); !errors.Is(err, ErrClosed) {
		t.Errorf("Request() after shutdown error = %v, want ErrClosed", err)
	}
}
