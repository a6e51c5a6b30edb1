package appctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetachedCancelsWhenStopChCloses(t *testing.T) {
	stopCh := make(chan struct{})
	ctx, cancel := Detached(context.Background(), stopCh, time.Minute)
	defer cancel()

	close(stopCh)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled after stopCh closed")
	}
}

func TestDetachedCancelsOnTimeout(t *testing.T) {
	ctx, cancel := Detached(context.Background(), make(chan struct{}), 10*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("context did not time out")
	}
}

func TestDetachedSurvivesParentCancellation(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	ctx, cancel := Detached(parent, make(chan struct{}), time.Minute)
	defer cancel()

	parentCancel()

	select {
	case <-ctx.Done():
		t.Fatal("detached context must not be cancelled by its parent")
	case <-time.After(30 * time.Millisecond):
	}
}
