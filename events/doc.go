// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package events decodes the robot's event stream and fans events out
// to subscribers.
//
// Each subscriber owns a bounded queue. A slow subscriber never blocks
// the dispatcher or other subscribers: when a queue is full the oldest
// queued event is dropped to make room for the newest, and the drop is
// counted. Events that do get delivered are always delivered in wire
// order.
package events
