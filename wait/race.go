package wait

// Race returns a Waitable that settles with the outcome of the first
// member to settle. Once it settles, for whatever reason, all members are
// cancelled, which runs their release functions.
func Race[T any](members ...*Waitable[T]) *Waitable[T] {
	r := New[T]()
	r.OnRelease(func() {
		for _, m := range members {
			m.Cancel()
		}
	})
	for _, m := range members {
		m.observe(func() { r.settleFrom(m) })
	}
	return r
}
