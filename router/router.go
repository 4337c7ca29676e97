// Package router dispatches intercepted network requests to the first
// registered handler whose URL matcher accepts them.
package router

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Routable is an intercepted request.
type Routable interface {
	URL() string
}

// Handler handles an intercepted request.
type Handler[R Routable] func(R)

// ToggleFunc is called with true when the first entry is added to an empty
// router, and with false when the last entry is removed.
type ToggleFunc func(ctx context.Context, enabled bool) error

// Entry is a registered (matcher, handler) pair. Add returns it so that
// exactly this registration can be removed later.
type Entry[R Routable] struct {
	matcher *URLMatcher
	handler Handler[R]
}

// Matcher returns the matcher the entry was added with.
func (e *Entry[R]) Matcher() *URLMatcher { return e.matcher }

// Router holds an ordered list of (matcher, handler) entries.
type Router[R Routable] struct {
	toggle ToggleFunc

	// toggleMu keeps enable/disable notifications in the same order as
	// the mutations that caused them.
	toggleMu sync.Mutex

	mu      sync.Mutex
	entries []*Entry[R]
}

// New returns an empty router. toggle may be nil.
func New[R Routable](toggle ToggleFunc) *Router[R] {
	return &Router[R]{toggle: toggle}
}

// Add appends an entry. Adding to an empty router enables interception
// through the toggle; if that fails, the entry is removed again.
func (r *Router[R]) Add(ctx context.Context, m *URLMatcher, h Handler[R]) (*Entry[R], error) {
	if m == nil || h == nil {
		return nil, fmt.Errorf("route needs both a matcher and a handler")
	}

	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()

	e := &Entry[R]{matcher: m, handler: h}
	r.mu.Lock()
	wasEmpty := len(r.entries) == 0
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	if !wasEmpty || r.toggle == nil {
		return e, nil
	}
	if err := r.toggle(ctx, true); err != nil {
		r.mu.Lock()
		if i := slices.Index(r.entries, e); i >= 0 {
			r.entries = slices.Delete(slices.Clone(r.entries), i, i+1)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("enabling interception: %w", err)
	}

	return e, nil
}

// Remove deletes the given entries. Entries that were already removed are
// ignored. Emptying the router disables interception through the toggle.
func (r *Router[R]) Remove(ctx context.Context, entries ...*Entry[R]) error {
	return r.remove(ctx, func(e *Entry[R]) bool {
		return slices.Contains(entries, e)
	})
}

// RemoveMatching deletes every entry whose matcher equals m.
func (r *Router[R]) RemoveMatching(ctx context.Context, m *URLMatcher) error {
	return r.remove(ctx, func(e *Entry[R]) bool {
		return e.matcher.Equal(m)
	})
}

func (r *Router[R]) remove(ctx context.Context, match func(*Entry[R]) bool) error {
	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()

	r.mu.Lock()
	before := len(r.entries)
	r.entries = slices.DeleteFunc(slices.Clone(r.entries), match)
	emptied := before > 0 && len(r.entries) == 0
	r.mu.Unlock()

	if !emptied || r.toggle == nil {
		return nil
	}
	if err := r.toggle(ctx, false); err != nil {
		return fmt.Errorf("disabling interception: %w", err)
	}

	return nil
}

// Len returns the number of entries.
func (r *Router[R]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Dispatch hands req to the first entry, in insertion order, whose
// matcher accepts req's URL. It reports whether an entry handled it;
// if not, the caller is responsible for letting the request continue.
func (r *Router[R]) Dispatch(req R) bool {
	r.mu.Lock()
	snapshot := r.entries
	r.mu.Unlock()

	u := req.URL()
	for _, e := range snapshot {
		if e.matcher.Match(u) {
			e.handler(req)
			return true
		}
	}

	return false
}
