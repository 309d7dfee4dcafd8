// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"

	"github.com/anki/vector-go-sdk/credentials"
)

// Call describes one unary request. Token and Seq are attached by the
// session's call router; Payload is opaque to the transport except for
// compression.
type Call struct {
	// Method is the logical endpoint, e.g. "v1/protocol_version".
	Method string

	// Token is the identity's access token, validated by the robot on
	// every call.
	Token string

	// Seq is the per-session command sequence number. The robot uses
	// it to detect stale or duplicated commands after a reconnect.
	Seq uint64

	// Payload is the encoded request body.
	Payload []byte
}

// Channel is one open connection to a robot.
type Channel interface {
	// Call issues a unary request and blocks until the response, the
	// context ends, or the channel fails. A non-OK status from the
	// robot is returned as *StatusError.
	Call(ctx context.Context, call Call) ([]byte, error)

	// OpenStream opens a bidirectional stream for the given method.
	// The returned stream's receive side delivers payloads in wire
	// order.
	OpenStream(ctx context.Context, method, token string) (Stream, error)

	// Ping round-trips a keepalive frame.
	Ping(ctx context.Context) error

	// Close tears down the connection. In-flight calls and stream
	// receives fail with ErrClosed. Idempotent.
	Close() error
}

// Stream is one bidirectional stream multiplexed over a Channel.
type Stream interface {
	// Send writes one payload to the robot.
	Send(ctx context.Context, payload []byte) error

	// Recv blocks for the next inbound payload. Returns ErrClosed
	// when the stream or its channel has ended.
	Recv(ctx context.Context) ([]byte, error)

	// Close ends the stream locally and notifies the robot.
	Close() error
}

// Dialer opens channels. The production implementation is TLSDialer;
// session tests substitute fakes.
type Dialer interface {
	// Dial connects to the robot at address and authenticates the
	// connection against the identity's pinned certificate. The
	// identity's token is NOT validated here — it rides on each call.
	Dial(ctx context.Context, address string, identity credentials.Identity) (Channel, error)
}
