package resource

import "sync/atomic"

// Snapshot publishes immutable values. Readers load the current value
// without locking and may keep using it after a newer one is published.
// A published value must never be modified; writers clone, edit and
// publish the clone.
type Snapshot[T any] struct {
	p atomic.Pointer[T]
}

// Load returns the current value, or nil if none was published.
func (s *Snapshot[T]) Load() *T {
	return s.p.Load()
}

// Publish installs v and returns the value it replaced.
func (s *Snapshot[T]) Publish(v *T) *T {
	return s.p.Swap(v)
}

// CompareAndPublish installs v only if old is still current.
func (s *Snapshot[T]) CompareAndPublish(old, v *T) bool {
	return s.p.CompareAndSwap(old, v)
}
