// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds a robot's current network address by name
// using mDNS. Robots announce the "_ankivector._tcp" service on the
// local network; Resolve browses for it and returns the first
// announcement matching the requested name.
//
// Resolution is best-effort: if several devices announce the same name
// the first response wins, and a caller that needs a guaranteed
// address should fall back to the persisted one when resolution times
// out.
package discovery
