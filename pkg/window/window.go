package window

import (
	"slices"
	"sort"
	"time"

	"github.com/vjranagit/anomalyd/pkg/types"
)

// Window is an ordered buffer of timestamped values bounded by age and/or
// count. Timestamps are Unix milliseconds.
//
// A Window is not safe for concurrent mutation. Callers that share a window
// between goroutines must serialize Add, Prune and ReadFrom themselves.
type Window[T any] struct {
	duration    int64
	maxElements int
	data        []types.TimestampedValue[T]
}

// New creates a window. A zero duration or maxElements disables that bound.
func New[T any](duration time.Duration, maxElements int) *Window[T] {
	w := &Window[T]{}
	w.Reconfigure(duration, maxElements)
	return w
}

// Reconfigure replaces both bounds. Existing elements are only evicted by the
// next Prune.
func (w *Window[T]) Reconfigure(duration time.Duration, maxElements int) {
	if duration < 0 {
		duration = 0
	}
	if maxElements < 0 {
		maxElements = 0
	}
	w.duration = duration.Milliseconds()
	w.maxElements = maxElements
}

// Duration returns the age bound, zero when unbounded
func (w *Window[T]) Duration() time.Duration {
	return time.Duration(w.duration) * time.Millisecond
}

// MaxElements returns the count bound, zero when unbounded
func (w *Window[T]) MaxElements() int {
	return w.maxElements
}

// Add inserts a value. In-order timestamps are appended; an older timestamp is
// inserted after every element with the same or smaller timestamp so the
// window stays sorted and equal timestamps keep arrival order.
func (w *Window[T]) Add(ts int64, value T) {
	entry := types.TimestampedValue[T]{Timestamp: ts, Value: value}
	n := len(w.data)
	if n == 0 || w.data[n-1].Timestamp <= ts {
		w.data = append(w.data, entry)
		return
	}
	i := sort.Search(n, func(i int) bool { return w.data[i].Timestamp > ts })
	w.data = slices.Insert(w.data, i, entry)
}

// Prune evicts elements older than now-duration, then trims the oldest
// elements until the count bound holds. The age pass is skipped while now is
// smaller than the duration.
func (w *Window[T]) Prune(now int64) {
	if w.duration > 0 && len(w.data) > 0 && now >= w.duration {
		cutoff := now - w.duration
		keep := sort.Search(len(w.data), func(i int) bool {
			return w.data[i].Timestamp >= cutoff
		})
		w.dropFront(keep)
	}

	if w.maxElements > 0 && len(w.data) > w.maxElements {
		w.dropFront(len(w.data) - w.maxElements)
	}
}

func (w *Window[T]) dropFront(k int) {
	if k <= 0 {
		return
	}
	n := copy(w.data, w.data[k:])
	clear(w.data[n:])
	w.data = w.data[:n]
}

// Values returns a copy of the retained values, oldest first
func (w *Window[T]) Values() []T {
	values := make([]T, len(w.data))
	for i, e := range w.data {
		values[i] = e.Value
	}
	return values
}

// Entries returns a copy of the retained (timestamp, value) pairs
func (w *Window[T]) Entries() []types.TimestampedValue[T] {
	return slices.Clone(w.data)
}

// Len returns the number of retained elements
func (w *Window[T]) Len() int {
	return len(w.data)
}

// Empty reports whether the window holds no elements
func (w *Window[T]) Empty() bool {
	return len(w.data) == 0
}

// Oldest returns the first element
func (w *Window[T]) Oldest() (types.TimestampedValue[T], bool) {
	if len(w.data) == 0 {
		return types.TimestampedValue[T]{}, false
	}
	return w.data[0], true
}

// Newest returns the last element
func (w *Window[T]) Newest() (types.TimestampedValue[T], bool) {
	if len(w.data) == 0 {
		return types.TimestampedValue[T]{}, false
	}
	return w.data[len(w.data)-1], true
}

// Clear drops every element but keeps the bounds
func (w *Window[T]) Clear() {
	clear(w.data)
	w.data = w.data[:0]
}
