// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"fmt"

	"github.com/anki/vector-go-sdk/lib/codec"
)

// Event is one notification from the robot. Kind names the event;
// Data is the kind-specific body, decoded by the caller.
type Event struct {
	Kind string           `cbor:"kind"`
	Data codec.RawMessage `cbor:"data,omitempty"`
}

// Kinds the session layer itself produces or consumes. The robot emits
// many more (robot_state, wake_word, object observations, ...); those
// pass through the dispatcher untouched.
const (
	// KindControlGranted reports that a behavior-control request was
	// granted.
	KindControlGranted = "control_granted"

	// KindControlLost reports that granted behavior control was revoked
	// or lost.
	KindControlLost = "control_lost"

	// KindKeepAlive is the robot's periodic liveness event.
	KindKeepAlive = "keep_alive"

	// KindStreamInterrupted is synthesized locally when the event
	// stream drops and a reconnect begins. Subscriptions stay open;
	// events may have been missed.
	KindStreamInterrupted = "stream_interrupted"

	// KindStreamEnded is synthesized locally when the session ends for
	// good. It is the last event a subscriber sees before its channel
	// closes.
	KindStreamEnded = "stream_ended"
)

// Decode parses one event stream payload.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := codec.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("events: decoding event: %w", err)
	}
	if e.Kind == "" {
		return Event{}, fmt.Errorf("events: event has no kind")
	}
	return e, nil
}
