// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a new context that is not tied to the parent's cancellation
// but inherits its values. Use this for stream-consumption loops that must
// outlive the request that started them. The returned context is cancelled
// when stopCh is closed or timeout expires.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
