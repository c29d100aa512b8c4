// Package store persists smear images, run artifacts and run records.
//
// FileImages reads source images from disk and writes PNG artifacts into an
// output directory. Run records go to JSONResults, one document per run, or to
// PostgresResults when a database is configured.
package store
