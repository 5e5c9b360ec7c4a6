package scheduler

// Ring is a fixed-capacity buffer that overwrites its oldest entry when full
type Ring[T any] struct {
	items []T
	next  int
	full  bool
}

// NewRing creates a ring holding at most capacity items (minimum 1)
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when full
func (r *Ring[T]) Push(v T) {
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of stored items
func (r *Ring[T]) Len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Items returns a copy of the stored items, oldest first
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.Len())
	if r.full {
		out = append(out, r.items[r.next:]...)
	}
	return append(out, r.items[:r.next]...)
}
