// Package pipeline runs smear images through detection, cropping,
// classification, saliency and aggregation.
//
// A Pipeline is built once around a Context that holds the loaded models and is
// shared by every run. Run processes one image:
//
//  1. detect cells and drop area outliers
//  2. keep detections scoring at or above the configured threshold
//  3. for each kept detection: crop, classify, explain, store artifacts
//  4. aggregate the labels of the cells that succeeded
//
// Cells are processed by a bounded worker pool and are isolated from one
// another: an error or panic in one cell marks that cell failed and the run
// carries on. A run with failed cells reports RunPartial. Only failures before
// the cell stage, such as an unreadable image or a detector error, fail the
// whole run.
//
// Dispatcher queues runs for background execution, tracks their status and
// announces completion through a Notifier.
package pipeline
