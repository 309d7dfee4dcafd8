// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the session layer so that keepalive,
// reconnect backoff, and discovery timeouts are testable without real
// sleeps. Production code injects [Real]; tests inject [Fake] and drive
// time forward explicitly with Advance.
package clock
