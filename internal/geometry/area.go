package geometry

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// AreaStats describes one pass of the area-outlier filter.
type AreaStats struct {
	MeanArea   float64 `json:"mean_area"`
	UpperLimit float64 `json:"upper_limit"`
	Total      int     `json:"total"`
	Kept       int     `json:"kept"`
}

// Areas returns the area of every box, in input order.
func Areas(boxes []Box) []float64 {
	areas := make([]float64, len(boxes))
	for i, b := range boxes {
		areas[i] = b.Area()
	}
	return areas
}

// FilterByArea returns the indices of boxes whose area does not exceed the mean
// area of all boxes by more than tolerancePercent.
//
// The mean is taken over every input box before anything is removed, and the
// filter runs once. A single box always survives since it equals the mean.
// Negative tolerances are treated as zero.
func FilterByArea(boxes []Box, tolerancePercent float64) ([]int, AreaStats) {
	stats := AreaStats{Total: len(boxes)}
	if len(boxes) == 0 {
		return []int{}, stats
	}

	tolerance := math.Max(tolerancePercent, 0) / 100
	areas := Areas(boxes)
	stats.MeanArea = stat.Mean(areas, nil)
	stats.UpperLimit = stats.MeanArea * (1 + tolerance)

	kept := make([]int, 0, len(boxes))
	for i, a := range areas {
		if a <= stats.UpperLimit {
			kept = append(kept, i)
		}
	}
	stats.Kept = len(kept)
	return kept, stats
}
