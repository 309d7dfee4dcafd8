// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the SDK's CBOR configuration. Transport frames,
// event messages, and call payload envelopes all encode through this
// package so the whole wire surface shares one deterministic encoder
// and one forward-compatible decoder.
package codec
