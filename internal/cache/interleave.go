package cache

import "math"

// minWeight stands in for zero so that zero-weight categories get no
// positions unless every category is zero.
const minWeight = 1e-9

// WeightedInterleave assigns k positions to len(weights) categories in
// proportion to weight, spreading each category's positions as evenly as
// possible. Each position goes to the category with the largest accumulator
// after paying 1/weight; ties go to the lower index. The result is deterministic.
func WeightedInterleave(weights []float64, k int) []int {
	n := len(weights)
	if n == 0 || k <= 0 {
		return nil
	}
	inv := make([]float64, n)
	for i, w := range weights {
		if w <= 0 {
			w = minWeight
		}
		inv[i] = 1 / w
	}

	acc := make([]float64, n)
	out := make([]int, k)
	for p := 0; p < k; p++ {
		best := 0
		bestVal := math.Inf(-1)
		for i := 0; i < n; i++ {
			if v := acc[i] - inv[i]; v > bestVal {
				best, bestVal = i, v
			}
		}
		acc[best] -= inv[best]
		out[p] = best

		// Keep accumulators bounded across long runs.
		m := acc[0]
		for _, a := range acc[1:] {
			if a > m {
				m = a
			}
		}
		for i := range acc {
			acc[i] -= m
		}
	}
	return out
}
