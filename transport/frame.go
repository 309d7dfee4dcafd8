// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// frameKind discriminates the frame union on the wire.
type frameKind uint8

const (
	kindRequest     frameKind = 1
	kindResponse    frameKind = 2
	kindStreamOpen  frameKind = 3
	kindStreamData  frameKind = 4
	kindStreamClose frameKind = 5
	kindPing        frameKind = 6
	kindPong        frameKind = 7
)

// frame is the single wire unit. Short CBOR keys keep the per-frame
// overhead small next to camera-frame-sized payloads.
type frame struct {
	Kind frameKind `cbor:"k"`

	// ID scopes responses and stream frames to the request or stream
	// that created them. Client-assigned, unique per connection.
	ID uint64 `cbor:"i"`

	// Method names the endpoint on request and streamOpen frames.
	Method string `cbor:"m,omitempty"`

	// Token is the access token on request and streamOpen frames.
	Token string `cbor:"t,omitempty"`

	// Seq is the per-session command sequence on request frames.
	Seq uint64 `cbor:"q,omitempty"`

	// Status is the robot's result code on response frames.
	Status uint32 `cbor:"s,omitempty"`

	// Error carries human-readable detail on failed responses and
	// remote stream closes.
	Error string `cbor:"e,omitempty"`

	// Compressed marks Payload as zstd-compressed.
	Compressed bool `cbor:"z,omitempty"`

	// Payload is the opaque body.
	Payload []byte `cbor:"p,omitempty"`
}

// compressThreshold is the payload size above which senders compress.
// Command payloads stay well under it; camera frames and nav maps do
// not.
const compressThreshold = 4096

// zstdEncoder and zstdDecoder are shared across channels. EncodeAll
// and DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodePayload compresses payload when it exceeds the threshold,
// returning the bytes to put on the wire and the compressed flag.
func encodePayload(payload []byte) ([]byte, bool) {
	if len(payload) <= compressThreshold {
		return payload, false
	}
	return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), true
}

// decodePayload returns the frame's payload, decompressing if marked.
func decodePayload(f *frame) ([]byte, error) {
	if !f.Compressed {
		return f.Payload, nil
	}
	payload, err := zstdDecoder.DecodeAll(f.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: decompressing frame payload: %w", err)
	}
	return payload, nil
}
