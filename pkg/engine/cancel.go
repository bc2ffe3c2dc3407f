package engine

import (
	"context"
	"sync"
)

// CancelToken is a cooperative cancellation flag for one task.
// Tripping it closes Done and cancels Context, so in-flight calls that honour
// the context return early; calls that do not are waited out.
type CancelToken struct {
	once   sync.Once
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelToken creates a token whose context derives from parent.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Cancel trips the token. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() {
		close(t.done)
		t.cancel()
	})
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is tripped.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Context is cancelled when the token is tripped.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// release frees the token's context without marking it cancelled.
func (t *CancelToken) release() {
	t.cancel()
}
