// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package vector is the front door of the SDK.
//
// Open loads the robot's stored credentials, finds it on the network
// (falling back to mDNS discovery when the last known address has gone
// stale), and hands back a Robot wrapping a supervised session. From
// there, Call issues commands, Subscribe follows the event stream, and
// RequestControl negotiates behavior control.
//
// A process holds at most one open Robot per serial; a second Open for
// the same robot fails with ErrAlreadyOpen until the first closes.
package vector
