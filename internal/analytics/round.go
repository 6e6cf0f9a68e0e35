package analytics

import "math"

// Round2 rounds to 2 decimals (premia, spots).
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round4 rounds to 4 decimals (unit-less ratios).
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
