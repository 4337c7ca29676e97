// Package wait provides Waitable, a composable and cancellable deferred
// result, together with the event, timeout and race combinators used by
// every "wait for a condition unless it times out" operation.
package wait

import (
	"context"
	"errors"
	"sync"
)

// State of a Waitable. Every state but Pending is terminal.
type State int32

// Waitable states.
const (
	Pending State = iota
	Done
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrCancelled is the error of a cancelled Waitable.
	ErrCancelled = errors.New("wait cancelled")

	// ErrPending is returned by Result while the Waitable has no outcome yet.
	ErrPending = errors.New("wait pending")
)

// Waitable is a deferred result of type T. It transitions at most once
// from Pending to Done, Failed or Cancelled. Release functions registered
// with OnRelease run exactly once, on whichever terminal transition
// happens first, before any goroutine blocked on the Waitable wakes up.
type Waitable[T any] struct {
	mu       sync.Mutex
	state    State
	value    T
	err      error
	done     chan struct{}
	releases []func()
	watchers []func()
}

// New returns a pending Waitable.
func New[T any]() *Waitable[T] {
	return &Waitable[T]{done: make(chan struct{})}
}

// Resolved returns a Waitable that is already Done with v.
func Resolved[T any](v T) *Waitable[T] {
	w := New[T]()
	w.Resolve(v)
	return w
}

// Rejected returns a Waitable that has already Failed with err.
func Rejected[T any](err error) *Waitable[T] {
	w := New[T]()
	w.Reject(err)
	return w
}

// Resolve completes the Waitable with v. It reports whether this call
// performed the transition.
func (w *Waitable[T]) Resolve(v T) bool {
	return w.settle(Done, v, nil)
}

// Reject fails the Waitable with err. It reports whether this call
// performed the transition.
func (w *Waitable[T]) Reject(err error) bool {
	if err == nil {
		err = errors.New("wait rejected without an error")
	}
	var zero T
	return w.settle(Failed, zero, err)
}

// Cancel moves a pending Waitable to Cancelled and releases its observers
// before returning. Cancelling a completed Waitable is a no-op.
func (w *Waitable[T]) Cancel() bool {
	var zero T
	return w.settle(Cancelled, zero, ErrCancelled)
}

// OnRelease registers fn to run once when the Waitable reaches a terminal
// state. If it already has, fn runs immediately.
func (w *Waitable[T]) OnRelease(fn func()) {
	w.mu.Lock()
	if w.state == Pending {
		w.releases = append(w.releases, fn)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	fn()
}

// observe runs fn after the Waitable settled and its releases ran.
func (w *Waitable[T]) observe(fn func()) {
	w.mu.Lock()
	if w.state == Pending {
		w.watchers = append(w.watchers, fn)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	fn()
}

func (w *Waitable[T]) settle(state State, v T, err error) bool {
	w.mu.Lock()
	if w.state != Pending {
		w.mu.Unlock()
		return false
	}
	w.state, w.value, w.err = state, v, err
	releases, watchers := w.releases, w.watchers
	w.releases, w.watchers = nil, nil
	w.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
	close(w.done)
	for _, fn := range watchers {
		fn()
	}

	return true
}

// Done returns a channel that's closed once the Waitable settled.
func (w *Waitable[T]) Done() <-chan struct{} {
	return w.done
}

// State returns the current state.
func (w *Waitable[T]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsDone reports whether the Waitable reached a terminal state.
func (w *Waitable[T]) IsDone() bool {
	return w.State() != Pending
}

// Result polls the outcome. It returns ErrPending while pending.
func (w *Waitable[T]) Result() (T, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Pending {
		var zero T
		return zero, ErrPending
	}
	return w.value, w.err
}

// Get blocks until the Waitable settles or ctx is done. In the latter case
// the Waitable is cancelled and the context error is returned.
func (w *Waitable[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-w.done:
		return w.Result()
	case <-ctx.Done():
	}
	if w.Cancel() {
		var zero T
		return zero, context.Cause(ctx)
	}
	return w.Result()
}

// settleFrom copies the outcome of src, which must have settled.
func (w *Waitable[T]) settleFrom(src *Waitable[T]) {
	v, err := src.Result()
	switch src.State() {
	case Done:
		w.Resolve(v)
	case Failed:
		w.Reject(err)
	case Cancelled:
		w.Cancel()
	}
}
