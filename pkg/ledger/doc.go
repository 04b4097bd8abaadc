// Package ledger records which tiles have been fully written so that an
// interrupted run can resume.
//
// The ledger is a plain text file, progress.txt, in the output directory.
// Each completed tile appends one "z/x/y" line. Lines are never rewritten;
// duplicates are harmless and order carries no meaning. On Open the whole
// file is read into an in-memory set. Unparseable lines are skipped, so a
// torn final line after a crash costs at most one re-download.
//
// The ledger is a cache over the tile files themselves. Callers must still
// confirm that a tile's file exists before trusting IsComplete.
package ledger
