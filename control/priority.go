// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package control

import "fmt"

// Priority is the tier a control request is made at. Lower values
// outrank higher ones; the values are fixed by the robot's wire
// protocol.
type Priority uint32

const (
	// PriorityOverrideBehaviors suppresses most of the robot's own
	// behaviors, including its low-battery return to the charger. Use
	// with care.
	PriorityOverrideBehaviors Priority = 10

	// PriorityDefault is the normal tier for SDK programs. The robot
	// keeps its self-preservation behaviors and can reclaim control
	// for them.
	PriorityDefault Priority = 20

	// PriorityReserveControl holds control between commands without
	// running any, keeping the robot's idle behaviors suppressed.
	PriorityReserveControl Priority = 30
)

func (p Priority) String() string {
	switch p {
	case PriorityOverrideBehaviors:
		return "override_behaviors"
	case PriorityDefault:
		return "default"
	case PriorityReserveControl:
		return "reserve_control"
	default:
		return fmt.Sprintf("priority(%d)", uint32(p))
	}
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityOverrideBehaviors, PriorityDefault, PriorityReserveControl:
		return true
	}
	return false
}
