package pipeline

import "iter"

// Batches yields contiguous groups of at most size items, in order. The last
// group may be shorter. The sequence can be ranged over any number of times;
// groups share the backing array of items and must not be appended to.
// A non-positive size falls back to DefaultBatchSize.
func Batches[T any](items []T, size int) iter.Seq[[]T] {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end:end]) {
				return
			}
		}
	}
}

// BatchCount returns how many groups Batches yields for n items.
func BatchCount(n, size int) int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return (n + size - 1) / size
}
