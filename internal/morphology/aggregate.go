package morphology

import "math"

// Summary is the morphology report for one detection run.
type Summary struct {
	RunID       string            `json:"run_id"`
	TotalCells  int               `json:"total_cells"`
	Counts      map[Label]int     `json:"counts"`
	Percentages map[Label]float64 `json:"percentages"`

	// NoData is set when no cell was classified.
	NoData bool `json:"no_data"`
}

// Aggregate counts labels and computes each class's share of the total.
//
// Every class appears in Counts and Percentages, with zero values when absent.
// An empty label list yields a NoData summary; Aggregate never fails. Labels
// outside the known classes are counted as Other.
func Aggregate(runID string, labels []Label) *Summary {
	s := &Summary{
		RunID:       runID,
		TotalCells:  len(labels),
		Counts:      make(map[Label]int, 3),
		Percentages: make(map[Label]float64, 3),
	}
	for _, l := range Labels() {
		s.Counts[l] = 0
		s.Percentages[l] = 0
	}

	if len(labels) == 0 {
		s.NoData = true
		return s
	}

	for _, l := range labels {
		if !l.Valid() {
			l = Other
		}
		s.Counts[l]++
	}
	for _, l := range Labels() {
		s.Percentages[l] = roundPercent(float64(s.Counts[l]) / float64(s.TotalCells))
	}
	return s
}

// SickleRatio returns the fraction of cells labeled Elongated, in [0, 1].
func (s *Summary) SickleRatio() float64 {
	if s.TotalCells == 0 {
		return 0
	}
	return float64(s.Counts[Elongated]) / float64(s.TotalCells)
}

// Dominant returns the class with the most cells. Ties go to the class listed
// first in Labels. The boolean is false for NoData summaries.
func (s *Summary) Dominant() (Label, bool) {
	if s.NoData || s.TotalCells == 0 {
		return Circular, false
	}
	best := Circular
	for _, l := range Labels()[1:] {
		if s.Counts[l] > s.Counts[best] {
			best = l
		}
	}
	return best, true
}

// roundPercent turns a fraction into a percentage with two decimals.
func roundPercent(fraction float64) float64 {
	return math.Round(fraction*100*100) / 100
}
