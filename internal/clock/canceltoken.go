package clock

import (
	"context"
	"sync"
)

// CancelToken is a shared, idempotent cancellation flag with subscriber
// wake-up, usable independently of [context.Context] so it can be embedded
// inside long-lived records (e.g. a [model.DownloadRecord]) that outlive any
// single call's context. token.Cancel is O(1) and idempotent;
// token.IsCancelled is wait-free.
//
// Every long-running operation in the download engine, engine facade, and
// voice pipeline accepts a CancelToken and polls it at I/O and iteration
// boundaries, per the cooperative-cancellation contract.
type CancelToken struct {
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	children []*CancelToken
}

// NewCancelToken returns a ready-to-use, uncancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token (and every token derived from it via
// [CancelToken.Child]) as cancelled. Safe to call multiple times and from
// multiple goroutines.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.done)
	children := t.children
	t.children = nil
	t.mu.Unlock()

	for _, c := range children {
		c.Cancel()
	}
}

// IsCancelled reports whether the token has been cancelled. Wait-free: it
// never blocks on the mutex held by a concurrent Cancel call beyond a single
// channel receive check.
func (t *CancelToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the token is cancelled, for use
// in select statements alongside context.Context.Done().
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Child derives a new token that is cancelled automatically whenever the
// parent is cancelled. Cancelling the child does not affect the parent.
func (t *CancelToken) Child() *CancelToken {
	child := NewCancelToken()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		child.Cancel()
		return child
	}
	t.children = append(t.children, child)
	t.mu.Unlock()

	return child
}

// WithContext returns a context derived from ctx that is cancelled when
// either ctx is cancelled or t is cancelled, plus a cancel func the caller
// must call to release resources once done, mirroring context.WithCancel.
func (t *CancelToken) WithContext(ctx context.Context) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-stop:
		}
	}()
	return child, func() {
		close(stop)
		cancel()
	}
}
