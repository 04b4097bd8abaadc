package engine

import "sync/atomic"

// RunStats holds counters updated concurrently by tile completions.
type RunStats struct {
	planned    atomic.Int64
	skipped    atomic.Int64
	downloaded atomic.Int64
	failed     atomic.Int64
	canceled   atomic.Int64
	bytes      atomic.Int64
}

// StatsSnapshot is a point-in-time copy of RunStats.
type StatsSnapshot struct {
	// Planned counts every tile in the requested ranges of started zooms
	Planned int64
	// Skipped tiles were already on disk
	Skipped    int64
	Downloaded int64
	Failed     int64
	// Canceled tiles were dispatched but abandoned by a shutdown
	Canceled int64
	Bytes    int64

	PeakInFlight int
}

// Completed returns tiles present on disk: pre-existing plus new.
func (s StatsSnapshot) Completed() int64 {
	return s.Skipped + s.Downloaded
}

// Remaining returns planned tiles that are still missing.
func (s StatsSnapshot) Remaining() int64 {
	return s.Planned - s.Completed()
}

// Snapshot copies the current counter values.
func (s *RunStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Planned:    s.planned.Load(),
		Skipped:    s.skipped.Load(),
		Downloaded: s.downloaded.Load(),
		Failed:     s.failed.Load(),
		Canceled:   s.canceled.Load(),
		Bytes:      s.bytes.Load(),
	}
}

// ZoomSummary describes one finished zoom level.
type ZoomSummary struct {
	Zoom       int
	Planned    int
	Skipped    int
	Dispatched int
	Downloaded int64
	Failed     int64
	Canceled   int64
}

type zoomCounters struct {
	downloaded atomic.Int64
	failed     atomic.Int64
	canceled   atomic.Int64
	skipped    atomic.Int64
}
