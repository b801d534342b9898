// Package chunk splits ordered slices into bounded groups.
package chunk

import (
	"iter"
	"slices"
)

// Of yields contiguous sub-slices of items with at most n elements each.
// The sequence holds no state and can be ranged over repeatedly.
// It panics if n is less than 1.
func Of[T any](items []T, n int) iter.Seq[[]T] {
	return slices.Chunk(items, n)
}

// Count returns the number of chunks Of produces for length items.
func Count(length, n int) int {
	if length <= 0 || n < 1 {
		return 0
	}
	return (length + n - 1) / n
}

// Split divides items into at most groups contiguous, near-equal parts.
func Split[T any](items []T, groups int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if groups < 1 {
		groups = 1
	}
	size := (len(items) + groups - 1) / groups
	return slices.Collect(Of(items, size))
}
