// Package logger wraps zerolog behind a small interface used by every
// tilegrab component.
//
// Console output is colorized and written to stderr. When a log file is
// configured, events are also appended to it as JSON lines.
//
//	log, err := logger.New(&cfg.Logging)
//	runLog, runID := logger.ForRun(log)
//	runLog.WithField("zoom", 7).Info("Zoom level started")
//
// NewNopLogger and NewTestLogger are provided for tests.
package logger
