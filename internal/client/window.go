package client

// DefaultWindowCapacity is the number of samples kept while a job runs.
const DefaultWindowCapacity = 100

// Window is a fixed-capacity sliding buffer of samples. While bounded, an
// append past capacity evicts the oldest sample. After Unbound it retains
// every subsequent append. Window is not safe for concurrent use.
type Window[T any] struct {
	buf       []T
	head      int
	size      int
	capacity  int
	unbounded bool
}

func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}
	return &Window[T]{capacity: capacity}
}

// Append inserts v at the tail. Samples with equal timestamps are kept in
// arrival order.
func (w *Window[T]) Append(v T) {
	if w.unbounded {
		w.buf = append(w.buf, v)
		w.size++
		return
	}
	if w.buf == nil {
		w.buf = make([]T, w.capacity)
	}
	if w.size < w.capacity {
		w.buf[(w.head+w.size)%w.capacity] = v
		w.size++
		return
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % w.capacity
}

func (w *Window[T]) Len() int { return w.size }

func (w *Window[T]) Cap() int { return w.capacity }

// Snapshot returns a copy of the retained samples, oldest first.
func (w *Window[T]) Snapshot() []T {
	out := make([]T, w.size)
	if w.unbounded {
		copy(out, w.buf)
		return out
	}
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%w.capacity]
	}
	return out
}

// Unbound stops eviction. Samples already evicted are not recovered.
func (w *Window[T]) Unbound() {
	if w.unbounded {
		return
	}
	w.buf = w.Snapshot()
	w.head = 0
	w.unbounded = true
}

func (w *Window[T]) Bounded() bool { return !w.unbounded }
