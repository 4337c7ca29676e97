package wait

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/guregu/null.v3"
)

// DefaultTimeout is used when neither a call nor its settings chain
// specify a timeout.
const DefaultTimeout = 30 * time.Second

// TimeoutError reports that a wait didn't complete in time.
type TimeoutError struct {
	Timeout time.Duration
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("timeout %dms exceeded", e.Timeout.Milliseconds())
}

// Timeout returns a Waitable that fails with a *TimeoutError after d.
// It never settles on its own if d is zero or negative. The timer is
// stopped when the Waitable is released.
func Timeout[T any](d time.Duration) *Waitable[T] {
	w := New[T]()
	if d <= 0 {
		return w
	}
	t := time.AfterFunc(d, func() {
		w.Reject(&TimeoutError{Timeout: d})
	})
	w.OnRelease(func() { t.Stop() })

	return w
}

// TimeoutSettings resolves effective timeouts: an explicit per-call value
// wins over the defaults set here, which win over the parent's, which
// fall back to DefaultTimeout. A value of 0 disables the timeout.
type TimeoutSettings struct {
	parent *TimeoutSettings

	mu                       sync.RWMutex
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
}

// NewTimeoutSettings returns settings that fall back to parent, which may
// be nil.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

// SetDefaultTimeout sets the default for every wait.
func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &timeout
}

// SetDefaultNavigationTimeout sets the default for navigations only.
func (t *TimeoutSettings) SetDefaultNavigationTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultNavigationTimeout = &timeout
}

// Timeout returns the effective timeout given the per-call option in
// milliseconds, which is ignored when not valid.
func (t *TimeoutSettings) Timeout(opt null.Int) time.Duration {
	if opt.Valid {
		return time.Duration(opt.Int64) * time.Millisecond
	}
	return t.timeout()
}

// NavigationTimeout is like Timeout but prefers navigation defaults.
func (t *TimeoutSettings) NavigationTimeout(opt null.Int) time.Duration {
	if opt.Valid {
		return time.Duration(opt.Int64) * time.Millisecond
	}
	return t.navigationTimeout()
}

func (t *TimeoutSettings) navigationTimeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	t.mu.RLock()
	nav, def := t.defaultNavigationTimeout, t.defaultTimeout
	t.mu.RUnlock()

	if nav != nil {
		return *nav
	}
	if def != nil {
		return *def
	}
	return t.parent.navigationTimeout()
}

func (t *TimeoutSettings) timeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	t.mu.RLock()
	def := t.defaultTimeout
	t.mu.RUnlock()

	if def != nil {
		return *def
	}
	return t.parent.timeout()
}

// TimeoutFor returns a timeout Waitable for the effective timeout of opt.
func TimeoutFor[T any](t *TimeoutSettings, opt null.Int) *Waitable[T] {
	return Timeout[T](t.Timeout(opt))
}
