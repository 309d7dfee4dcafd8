// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport owns the encrypted, authenticated channel to one
// robot. It exposes two primitives over a single TLS connection:
// unary calls ([Channel.Call]) and bidirectional streams
// ([Channel.OpenStream]), multiplexed by client-assigned frame IDs.
//
// Authentication is mutual. The client pins the robot's stored
// certificate as the sole trust root and verifies the presented leaf
// certificate's BLAKE3 digest against it; the robot validates the
// access token carried on every request frame. A channel that fails
// authentication is closed and must never be reused — callers
// re-resolve the address and reconnect with fresh credentials.
//
// Frames are deterministic CBOR items streamed back to back (CBOR is
// self-delimiting, so there is no outer length prefix). Payloads above
// a size threshold are zstd-compressed; receivers decompress
// transparently. Remote failures surface as [*StatusError] carrying
// the robot's status code; callers test codes with [IsStatus].
//
// The production implementation is [TLSDialer]. The [Dialer],
// [Channel], and [Stream] interfaces exist so the session layer can be
// tested against in-process fakes.
package transport
