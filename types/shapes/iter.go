// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter iterates over all possible indices of the given shape, in row-major order.
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() {
			return
		}

		rank := s.Rank()
		if rank == 0 {
			// Valid scalar: yield one empty index slice.
			_ = yield(make([]int, 0))
			return
		}

		for _, dimSize := range s.Dimensions {
			if dimSize <= 0 {
				return
			}
		}

		currentIndices := make([]int, rank)
		for {
			if !yield(currentIndices) {
				return
			}

			// Increment currentIndices to the next set of coordinates
			// (row-major order: the last index changes fastest).
			axis := rank - 1
			for ; axis >= 0; axis-- {
				if s.Dimensions[axis] == 1 {
					continue
				}
				currentIndices[axis]++
				if currentIndices[axis] < s.Dimensions[axis] {
					break
				}
				// The current axis overflowed; reset it to 0 and carry over to
				// the next higher-order axis.
				currentIndices[axis] = 0
			}
			if axis < 0 {
				break
			}
		}
	}
}
