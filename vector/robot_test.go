// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package vector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anki/vector-go-sdk/control"
	"github.com/anki/vector-go-sdk/credentials"
	"github.com/anki/vector-go-sdk/events"
	"github.com/anki/vector-go-sdk/lib/codec"
	"github.com/anki/vector-go-sdk/transport"
)

const methodProtocolVersion = "v1/protocol_version"

func testIdentity() credentials.Identity {
	return credentials.Identity{
		Serial:  "00e20100",
		Name:    "Vector-T3ST",
		Address: "192.168.1.50:443",
		Token:   "test-guid",
		Cert:    []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"),
	}
}

func newTestStore(t *testing.T) *credentials.Store {
	t.Helper()
	store := credentials.NewStore(filepath.Join(t.TempDir(), "sdk_config.yaml"))
	if err := store.Save(testIdentity()); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	return store
}

type fakeStream struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Send(ctx context.Context, payload []byte) error { return nil }

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.inbound:
		return payload, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeChannel struct {
	mu     sync.Mutex
	calls  []string
	onCall func(method string)

	stream    *fakeStream
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		stream: &fakeStream{inbound: make(chan []byte, 16), closed: make(chan struct{})},
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Call(ctx context.Context, call transport.Call) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	default:
	}
	c.mu.Lock()
	c.calls = append(c.calls, call.Method)
	hook := c.onCall
	c.mu.Unlock()
	if hook != nil {
		hook(call.Method)
	}
	if call.Method == methodProtocolVersion {
		return codec.Marshal(map[string]uint32{"host_version": 5})
	}
	return nil, nil
}

func (c *fakeChannel) OpenStream(ctx context.Context, method, token string) (transport.Stream, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	default:
	}
	return c.stream, nil
}

func (c *fakeChannel) Ping(ctx context.Context) error { return nil }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.Close()
	})
	return nil
}

func (c *fakeChannel) emit(t *testing.T, e events.Event) {
	t.Helper()
	payload, err := codec.Marshal(e)
	if err != nil {
		t.Fatalf("encoding event: %v", err)
	}
	select {
	case c.stream.inbound <- payload:
	case <-time.After(time.Second):
		t.Fatalf("emitting %s timed out", e.Kind)
	}
}

func (c *fakeChannel) sawCall(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.calls {
		if m == method {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	mu        sync.Mutex
	addresses []string
	errs      []error // errs[i] != nil fails dial i; past the end, dials succeed
	channel   *fakeChannel
}

func (d *fakeDialer) Dial(ctx context.Context, address string, identity credentials.Identity) (transport.Channel, error) {
	d.mu.Lock()
	i := len(d.addresses)
	d.addresses = append(d.addresses, address)
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	ch := d.channel
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ch == nil {
		ch = newFakeChannel()
	}
	return ch, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addresses...)
}

type fakeResolver struct {
	address string
	err     error

	mu    sync.Mutex
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.address, r.err
}

func (r *fakeResolver) called() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestOpenUsesStoredAddress(t *testing.T) {
	store := newTestStore(t)
	dialer := &fakeDialer{}
	resolver := &fakeResolver{address: "10.0.0.9:443"}

	robot, err := Open(context.Background(), "00e20100",
		WithStore(store), WithDialer(dialer), WithResolver(resolver))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer robot.Close()

	if got := dialer.dialed(); len(got) != 1 || got[0] != "192.168.1.50:443" {
		t.Errorf("dialed %v, want the stored address", got)
	}
	if resolver.called() != 0 {
		t.Error("resolver consulted although the stored address answered")
	}
	if robot.Serial() != "00e20100" || robot.Name() != "Vector-T3ST" {
		t.Errorf("identity = %s/%s, want 00e20100/Vector-T3ST", robot.Serial(), robot.Name())
	}
}

func TestOpenRediscoversStaleAddress(t *testing.T) {
	store := newTestStore(t)
	dialer := &fakeDialer{errs: []error{errors.New("connection refused")}}
	resolver := &fakeResolver{address: "10.0.0.9:443"}

	robot, err := Open(context.Background(), "00e20100",
		WithStore(store), WithDialer(dialer), WithResolver(resolver))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer robot.Close()

	dialed := dialer.dialed()
	if len(dialed) != 2 || dialed[1] != "10.0.0.9:443" {
		t.Errorf("dialed %v, want retry at the rediscovered address", dialed)
	}

	// The refreshed address is persisted for next time.
	identity, err := store.Load("00e20100")
	if err != nil {
		t.Fatalf("reloading store: %v", err)
	}
	if identity.Address != "10.0.0.9:443" {
		t.Errorf("stored address = %q, want the rediscovered one", identity.Address)
	}
}

func TestOpenDiscoveryFailureKeepsOriginalError(t *testing.T) {
	store := newTestStore(t)
	dialErr := errors.New("connection refused")
	dialer := &fakeDialer{errs: []error{dialErr}}
	resolver := &fakeResolver{err: errors.New("no announcements")}

	_, err := Open(context.Background(), "00e20100",
		WithStore(store), WithDialer(dialer), WithResolver(resolver))
	if !errors.Is(err, dialErr) {
		t.Fatalf("Open() error = %v, want the dial failure preserved", err)
	}
}

func TestOpenDoesNotRediscoverOnBadToken(t *testing.T) {
	store := newTestStore(t)
	dialer := &fakeDialer{errs: []error{&transport.StatusError{
		Code:   transport.CodeUnauthenticated,
		Method: "dial",
	}}}
	resolver := &fakeResolver{address: "10.0.0.9:443"}

	_, err := Open(context.Background(), "00e20100",
		WithStore(store), WithDialer(dialer), WithResolver(resolver))
	if !transport.IsStatus(err, transport.CodeUnauthenticated) {
		t.Fatalf("Open() error = %v, want the credential failure", err)
	}
	if resolver.called() != 0 {
		t.Error("rediscovery attempted for a credential failure it cannot fix")
	}
}

func TestOpenUnknownSerial(t *testing.T) {
	store := credentials.NewStore(filepath.Join(t.TempDir(), "sdk_config.yaml"))
	_, err := Open(context.Background(), "ffffffff", WithStore(store), WithDialer(&fakeDialer{}))
	if !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("Open() error = %v, want credentials.ErrNotFound", err)
	}
}

func TestOpenEnforcesOneRobotPerSerial(t *testing.T) {
	store := newTestStore(t)

	robot, err := Open(context.Background(), "00e20100", WithStore(store), WithDialer(&fakeDialer{}))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if _, err := Open(context.Background(), "00e20100", WithStore(store), WithDialer(&fakeDialer{})); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open() error = %v, want ErrAlreadyOpen", err)
	}

	robot.Close()

	// The slot frees once the session has fully shut down.
	deadline := time.Now().Add(5 * time.Second)
	for {
		reopened, err := Open(context.Background(), "00e20100", WithStore(store), WithDialer(&fakeDialer{}))
		if err == nil {
			reopened.Close()
			return
		}
		if !errors.Is(err, ErrAlreadyOpen) {
			t.Fatalf("reopen error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("serial never freed after Close")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpenSharesRegistererAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	registry := prometheus.NewRegistry()

	// Rediscovery builds a second session against the same registerer;
	// the collectors registered by the failed first attempt must be
	// reused rather than panicking on a duplicate registration.
	dialer := &fakeDialer{errs: []error{errors.New("connection refused")}}
	resolver := &fakeResolver{address: "10.0.0.9:443"}
	robot, err := Open(context.Background(), "00e20100",
		WithStore(store), WithDialer(dialer), WithResolver(resolver), WithRegisterer(registry))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	robot.Close()

	// Close-then-reopen keeps using the same registry.
	reopened, err := Open(context.Background(), "00e20100",
		WithStore(store), WithDialer(&fakeDialer{}), WithRegisterer(registry))
	if err != nil {
		t.Fatalf("reopen with shared registry error: %v", err)
	}
	reopened.Close()
}

func TestStaleRobotCloseKeepsNewClaim(t *testing.T) {
	store := newTestStore(t)

	ch := newFakeChannel()
	robot1, err := Open(context.Background(), "00e20100",
		WithStore(store), WithDialer(&fakeDialer{channel: ch}), WithReconnectBudget(-1))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	// Kill the connection; with reconnection disabled the session shuts
	// itself down and frees the serial's slot on its own.
	ch.Close()
	select {
	case <-robot1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not shut down after losing its connection")
	}

	var robot2 *Robot
	deadline := time.Now().Add(5 * time.Second)
	for {
		robot2, err = Open(context.Background(), "00e20100", WithStore(store), WithDialer(&fakeDialer{}))
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAlreadyOpen) {
			t.Fatalf("second Open() error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("serial never freed after the session died")
		}
		time.Sleep(time.Millisecond)
	}
	defer robot2.Close()

	// Closing the stale first robot must not free the slot the second
	// one now holds.
	robot1.Close()

	if _, err := Open(context.Background(), "00e20100", WithStore(store), WithDialer(&fakeDialer{})); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("third Open() error = %v, want ErrAlreadyOpen while another robot holds the serial", err)
	}
}

func TestRequestControlRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ch := newFakeChannel()
	// The robot answers a control request by emitting the grant on the
	// event stream.
	ch.onCall = func(method string) {
		if method == control.MethodRequest {
			ch.emit(t, events.Event{Kind: events.KindControlGranted})
		}
	}
	dialer := &fakeDialer{channel: ch}

	robot, err := Open(context.Background(), "00e20100", WithStore(store), WithDialer(dialer))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	token, err := robot.RequestControl(context.Background(), control.PriorityDefault)
	if err != nil {
		t.Fatalf("RequestControl() error: %v", err)
	}
	if err := token.Err(); err != nil {
		t.Errorf("token.Err() = %v, want nil", err)
	}

	// Close releases control before tearing the session down.
	if err := robot.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !ch.sawCall(control.MethodRelease) {
		t.Error("Close() did not release behavior control")
	}
	if err := token.Err(); !errors.Is(err, control.ErrReleased) {
		t.Errorf("token.Err() after Close = %v, want ErrReleased", err)
	}
}
