// Package morphology defines the red blood cell shape classes and rolls per-cell
// labels up into a run-level morphology summary.
//
// Three classes are recognized: Circular (normal discocytes), Elongated (sickle
// shaped cells) and Other. Percentages are rounded to two decimals, so they may
// not add up to exactly 100; counts always add up to TotalCells.
package morphology
