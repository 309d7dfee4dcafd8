// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package session maintains one live connection to a robot.
//
// A session dials the transport, runs the protocol-version handshake,
// then supervises the connection: a keepalive ping loop detects silent
// failures, the event stream is pumped into the session's dispatcher,
// and a dropped connection is redialed with jittered exponential
// backoff until a budget of consecutive failures runs out. Unary calls
// route through the session, which stamps each one with the identity's
// access token and a monotonic sequence number.
//
// State moves Idle -> Connecting -> Connected, dips to Reconnecting on
// connection loss, and ends at Closed. Calls and new subscriptions are
// accepted only while Connected; event subscriptions made earlier
// survive reconnects.
package session
