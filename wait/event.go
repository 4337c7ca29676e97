package wait

import (
	"github.com/liuxd6825/pwclient/listener"
)

// ForEvent returns a Waitable that resolves with the data of the first
// eventType event of reg whose data is a T accepted by predicate. A nil
// predicate accepts every event. The subscription is removed exactly once
// when the Waitable settles, whatever the outcome.
func ForEvent[T any](reg *listener.Registry, eventType string, predicate func(T) bool) *Waitable[T] {
	w := New[T]()
	sub := reg.Add(eventType, func(ev listener.Event) {
		var v T
		if ev.Data != nil {
			d, ok := ev.Data.(T)
			if !ok {
				return
			}
			v = d
		}
		if predicate != nil && !predicate(v) {
			return
		}
		w.Resolve(v)
	})
	w.OnRelease(func() { reg.Remove(sub) })

	return w
}
