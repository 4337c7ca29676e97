package wait

import (
	"context"
	"time"
)

// Outcome is the result of a settled Waitable.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Async returns a channel that receives the outcome once the Waitable
// settles. The channel is buffered, so nobody has to receive from it.
func (w *Waitable[T]) Async() <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	w.observe(func() {
		v, err := w.Result()
		ch <- Outcome[T]{Value: v, Err: err}
	})
	return ch
}

// Then calls fn with the outcome once the Waitable settles. fn runs on the
// goroutine that settled it, so it must not block.
func (w *Waitable[T]) Then(fn func(T, error)) {
	w.observe(func() {
		fn(w.Result())
	})
}

// Go runs fn on a new goroutine and returns a Waitable for its result.
// Cancelling the Waitable doesn't stop fn; its result is then dropped.
func Go[T any](fn func() (T, error)) *Waitable[T] {
	w := New[T]()
	go func() {
		v, err := fn()
		if err != nil {
			w.Reject(err)
			return
		}
		w.Resolve(v)
	}()
	return w
}

// Map returns a Waitable that settles with fn applied to the result of w.
// Cancelling the returned Waitable cancels w.
func Map[T, U any](w *Waitable[T], fn func(T) (U, error)) *Waitable[U] {
	u := New[U]()
	u.OnRelease(func() { w.Cancel() })
	w.observe(func() {
		v, err := w.Result()
		switch w.State() {
		case Cancelled:
			u.Cancel()
		case Failed:
			u.Reject(err)
		default:
			r, err := fn(v)
			if err != nil {
				u.Reject(err)
				return
			}
			u.Resolve(r)
		}
	})
	return u
}

// For waits for w unless timeout elapses first, in which case it fails
// with a *TimeoutError. A zero timeout waits without a time limit.
// Both w and the timer are released whatever the outcome.
func For[T any](ctx context.Context, w *Waitable[T], timeout time.Duration) (T, error) {
	return Race(w, Timeout[T](timeout)).Get(ctx)
}
