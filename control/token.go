// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"sync"
)

// Token is proof of granted behavior control. It is live from the
// grant until Release or a revocation, whichever comes first.
type Token struct {
	arbiter  *Arbiter
	priority Priority

	failOnce sync.Once
	err      error
	revoked  chan struct{}
}

// Priority returns the tier the token was granted at.
func (t *Token) Priority() Priority {
	return t.priority
}

// Revoked returns a channel that closes when the token stops being
// live, whether by Release or by the robot taking control back.
func (t *Token) Revoked() <-chan struct{} {
	return t.revoked
}

// Err returns nil while the token is live, ErrReleased after a
// voluntary release, and ErrControlLost after a revocation. Commands
// that need control call this first and fail fast on a dead token.
func (t *Token) Err() error {
	select {
	case <-t.revoked:
		return t.err
	default:
		return nil
	}
}

// Release gives control back to the robot. The token dies locally
// even when the release call fails; the error is for diagnostics
// only. Idempotent.
func (t *Token) Release(ctx context.Context) error {
	return t.arbiter.release(ctx, t)
}

// fail kills the token with cause. First caller wins.
func (t *Token) fail(cause error) {
	t.failOnce.Do(func() {
		t.err = cause
		close(t.revoked)
	})
}
