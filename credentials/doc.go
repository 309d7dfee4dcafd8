// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

// Package credentials persists robot identities — serial, display
// name, last-known address, access token, and the robot's TLS
// certificate — in a per-user YAML file keyed by serial. The file is
// created during out-of-band pairing and read at every session open;
// the only in-place updates are a refreshed address after discovery or
// a re-issued token after re-pairing.
//
// The store has no protocol logic and performs no network access.
package credentials
