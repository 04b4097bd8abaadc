// Package engine drives a tile download run.
//
// Zoom levels are processed strictly in order. For each level the engine
// computes the tile range of the configured region, filters out tiles whose
// files already exist, dispatches the rest to a fixed worker pool and waits
// for every dispatched tile before moving on. The filesystem decides what
// is complete; the progress ledger is kept in step with it and reported at
// startup so an operator can see how much of a previous run survived.
//
// Cancelling the context passed to Run stops dispatch, lets in-flight tiles
// finish within the configured grace period, aborts the rest and returns
// ctx.Err() alongside the statistics gathered so far. Files and ledger
// entries written before the interruption remain valid for the next run.
package engine
