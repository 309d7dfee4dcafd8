// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

// Code is a status code returned by the robot in a response frame.
// The values mirror the original SDK's RPC status mapping.
type Code uint32

const (
	CodeOK                 Code = 0
	CodeUnauthenticated    Code = 1
	CodeNotFound           Code = 2
	CodeUnavailable        Code = 3
	CodeDeadlineExceeded   Code = 4
	CodeFailedPrecondition Code = 5
	CodeUnimplemented      Code = 6
)

// String returns the code's wire-documentation name.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeNotFound:
		return "not_found"
	case CodeUnavailable:
		return "unavailable"
	case CodeDeadlineExceeded:
		return "deadline_exceeded"
	case CodeFailedPrecondition:
		return "failed_precondition"
	case CodeUnimplemented:
		return "unimplemented"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// ErrClosed reports that the channel (or a stream on it) has been
// closed, locally or by a transport failure. Testable with errors.Is.
var ErrClosed = errors.New("transport: channel closed")

// StatusError is a structured failure from the robot. Callers extract
// it with errors.As, or test a specific code with IsStatus:
//
//	if transport.IsStatus(err, transport.CodeUnauthenticated) { ... }
type StatusError struct {
	// Code is the robot's status code.
	Code Code
	// Method is the call that failed.
	Method string
	// Message is the human-readable detail from the robot, if any.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: %s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("transport: %s: %s: %s", e.Method, e.Code, e.Message)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code Code) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == code
	}
	return false
}
