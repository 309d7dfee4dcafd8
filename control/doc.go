// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package control arbitrates behavior control of the robot.
//
// The robot runs its own behaviors (exploring, reacting to its name,
// returning to the charger) until a client asks for control. The
// Arbiter owns that negotiation: it issues the request, waits for the
// robot's grant event, and hands back a Token. The token is live until
// it is released or the robot revokes it, at which point every command
// guarded by it fails fast instead of racing the robot's own behavior
// engine.
//
// At most one token is granted at a time, and requests are never
// queued: asking while a request or grant is outstanding is an error.
package control
