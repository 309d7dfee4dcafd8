// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anki/vector-go-sdk/events"
	"github.com/anki/vector-go-sdk/lib/codec"
	"github.com/anki/vector-go-sdk/transport"
)

// Wire methods the session itself uses.
const (
	methodProtocolVersion = "v1/protocol_version"
	methodEventStream     = "v1/event_stream"
)

// Protocol versions. The handshake fails when the robot's firmware
// speaks an older protocol than minHostVersion.
const (
	clientProtocolVersion = 5
	minHostVersion        = 5
)

// run supervises the connection until the session closes or the
// reconnect budget runs out.
func (s *Session) run(ch transport.Channel) {
	defer close(s.done)
	defer s.dispatcher.Close()
	defer s.setState(StateClosed)

	for {
		err := s.serve(ch)
		ch.Close()
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			s.logger.Info("session closed")
			return
		}
		s.logger.Warn("connection lost", "error", err)
		if s.reconnectBudget < 0 {
			return
		}

		s.metrics.reconnects.Inc()
		s.setState(StateReconnecting)
		s.dispatcher.Interrupt()

		next, err := s.redial()
		if err != nil {
			s.logger.Error("reconnect failed, closing session", "error", err)
			return
		}
		s.mu.Lock()
		s.current = next
		s.mu.Unlock()
		s.setState(StateConnected)
		s.logger.Info("session reconnected", "address", s.identity.Address)
		ch = next
	}
}

// serve runs the keepalive loop and the event pump until either fails
// or the session closes.
func (s *Session) serve(ch transport.Channel) error {
	group, ctx := errgroup.WithContext(s.ctx)
	group.Go(func() error { return s.keepalive(ctx, ch) })
	group.Go(func() error { return s.pumpEvents(ctx, ch) })
	return group.Wait()
}

// keepalive pings on every tick. MissedPingLimit consecutive failures
// declare the connection dead.
func (s *Session) keepalive(ctx context.Context, ch transport.Channel) error {
	ticker := s.clock.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.keepaliveInterval)
		err := ch.Ping(pingCtx)
		cancel()
		if err != nil {
			missed++
			s.logger.Warn("keepalive ping failed", "missed", missed, "error", err)
			if missed >= s.missedPingLimit {
				return fmt.Errorf("session: %d keepalive pings missed: %w", missed, ErrConnectionLost)
			}
			continue
		}
		missed = 0
	}
}

// pumpEvents feeds the robot's event stream into the dispatcher. This
// is the dispatcher's single Dispatch caller, which is what gives
// subscribers wire-order delivery.
func (s *Session) pumpEvents(ctx context.Context, ch transport.Channel) error {
	stream, err := ch.OpenStream(ctx, methodEventStream, s.identity.Token)
	if err != nil {
		return fmt.Errorf("session: opening event stream: %w", err)
	}
	defer stream.Close()

	for {
		payload, err := stream.Recv(ctx)
		if err != nil {
			return fmt.Errorf("session: event stream: %w", err)
		}
		e, err := events.Decode(payload)
		if err != nil {
			s.logger.Warn("dropping undecodable event", "error", err)
			continue
		}
		s.dispatcher.Dispatch(e)
	}
}

// connect dials the robot and runs the protocol handshake.
func (s *Session) connect(ctx context.Context) (transport.Channel, error) {
	ch, err := s.dialer.Dial(ctx, s.identity.Address, s.identity)
	if err != nil {
		return nil, fmt.Errorf("session: dialing %s: %w", s.identity.Address, err)
	}
	if err := s.handshake(ctx, ch); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// sdkVersion identifies this client library to the robot's logs.
const sdkVersion = "0.1.0"

type protocolVersionRequest struct {
	ClientVersion  uint32 `cbor:"client_version"`
	MinHostVersion uint32 `cbor:"min_host_version"`
	ClientID       string `cbor:"client_id"`
	SDKVersion     string `cbor:"sdk_version"`
	OS             string `cbor:"os"`
	Arch           string `cbor:"arch"`
}

type protocolVersionResponse struct {
	HostVersion uint32 `cbor:"host_version"`
}

func (s *Session) handshake(ctx context.Context, ch transport.Channel) error {
	payload, err := codec.Marshal(protocolVersionRequest{
		ClientVersion:  clientProtocolVersion,
		MinHostVersion: minHostVersion,
		ClientID:       s.clientID,
		SDKVersion:     sdkVersion,
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
	})
	if err != nil {
		return fmt.Errorf("session: encoding handshake: %w", err)
	}
	raw, err := ch.Call(ctx, transport.Call{
		Method:  methodProtocolVersion,
		Token:   s.identity.Token,
		Seq:     s.seq.Add(1),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("session: protocol handshake: %w", err)
	}
	var response protocolVersionResponse
	if err := codec.Unmarshal(raw, &response); err != nil {
		return fmt.Errorf("session: decoding handshake response: %w", err)
	}
	if response.HostVersion < minHostVersion {
		return fmt.Errorf("session: robot speaks protocol %d, need at least %d: %w",
			response.HostVersion, minHostVersion, ErrUnsupportedVersion)
	}
	return nil
}

// redial reconnects with jittered exponential backoff. Credential and
// version failures are terminal; anything else burns one attempt from
// the budget.
func (s *Session) redial() (transport.Channel, error) {
	delay := s.backoffBase
	for attempt := 1; attempt <= s.reconnectBudget; attempt++ {
		// Full jitter: anywhere in [0, delay).
		wait := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-s.clock.After(wait):
		}

		ch, err := s.connect(s.ctx)
		if err == nil {
			return ch, nil
		}
		if transport.IsStatus(err, transport.CodeUnauthenticated) || errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		s.logger.Warn("reconnect attempt failed",
			"attempt", attempt, "budget", s.reconnectBudget, "error", err)
		delay = min(delay*2, s.backoffCap)
	}
	return nil, fmt.Errorf("session: %d reconnect attempts failed: %w", s.reconnectBudget, ErrConnectionLost)
}
