package validator

import "sort"

// MedianMeanCredit grants one credit value for a set of claims. A lone claim
// is granted as is and a pair grants the lower claim. Larger sets drop one
// minimum and one maximum and average what is left.
func MedianMeanCredit(claims []float64) float64 {
	switch len(claims) {
	case 0:
		return 0
	case 1:
		return claims[0]
	case 2:
		if claims[0] < claims[1] {
			return claims[0]
		}
		return claims[1]
	}

	sorted := append([]float64(nil), claims...)
	sort.Float64s(sorted)
	mid := sorted[1 : len(sorted)-1]
	var sum float64
	for _, c := range mid {
		sum += c
	}
	return sum / float64(len(mid))
}
