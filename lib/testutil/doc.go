// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by the SDK's tests:
// channel receives/sends with a hang-prevention timeout, and waiting
// for channel closure.
package testutil
