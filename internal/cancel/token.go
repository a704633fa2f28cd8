// Package cancel provides the cooperative cancellation primitives used by
// the session loop and the RPC dispatchers.
package cancel

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrCancelled is returned by Token.Err once the token has been cancelled.
// Cancellation is never surfaced as an RPC error; callers that observe it
// terminate their work silently.
var ErrCancelled = errors.New("operation cancelled")

// Token is a single-shot boolean latch with a callback list. It is reused
// across turns via Reset, which clears the latch without discarding the
// registered callbacks.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	seq       int
	callbacks map[int]func()
}

// NewToken returns a fresh, uncancelled token.
func NewToken() *Token {
	return &Token{callbacks: make(map[int]func())}
}

// Cancel flips the latch and invokes every registered callback. It is
// idempotent: only the first call runs the callbacks. A panicking callback
// is recovered and logged so it cannot block cancellation of its peers.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	callbacks := make([]func(), 0, len(t.callbacks))
	for _, cb := range t.callbacks {
		callbacks = append(callbacks, cb)
	}
	t.mu.Unlock()

	for _, cb := range callbacks {
		runCallback(cb)
	}
}

func runCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("cancel callback panicked", "panic", r)
		}
	}()
	cb()
}

// OnCancel registers a callback. If the token is already cancelled the
// callback is invoked immediately. The returned function removes the
// registration; callers with turn-scoped callbacks use it so the list does
// not grow for the life of the session.
func (t *Token) OnCancel(cb func()) (remove func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		runCallback(cb)
		return func() {}
	}
	t.seq++
	id := t.seq
	t.callbacks[id] = cb
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.callbacks, id)
		t.mu.Unlock()
	}
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Err returns ErrCancelled if the token has been cancelled, nil otherwise.
// This is the cooperative check the session loop runs between stream events
// and before every tool dispatch.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Reset clears the latch so the token can be reused for the next turn. The
// callback list is preserved.
func (t *Token) Reset() {
	t.mu.Lock()
	t.cancelled = false
	t.mu.Unlock()
}
