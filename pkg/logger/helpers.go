package logger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ForRun returns a child of base tagged with a fresh run_id so that all
// events from one fetch can be correlated, plus the id itself.
func ForRun(base Logger) (Logger, string) {
	id := uuid.NewString()
	return base.WithField("run_id", id), id
}

// ForComponent returns a child of base tagged with a component name
func ForComponent(base Logger, component string) Logger {
	return base.WithField("component", component)
}

// LogZoomStart logs the plan for one zoom level
func LogZoomStart(l Logger, zoom, planned, skipped int) {
	l.InfoWithFields("Zoom level started", map[string]interface{}{
		"zoom":        zoom,
		"planned":     planned,
		"skipped":     skipped,
		"to_download": planned - skipped,
	})
}

// LogZoomComplete logs the outcome of one zoom level
func LogZoomComplete(l Logger, zoom int, downloaded, failed int64) {
	fields := map[string]interface{}{
		"zoom":       zoom,
		"downloaded": downloaded,
		"failed":     failed,
	}
	if failed > 0 {
		l.WarnWithFields("Zoom level completed with failures", fields)
		return
	}
	l.InfoWithFields("Zoom level completed", fields)
}

// LogRequest logs a tile HTTP exchange at a level matching its status
func LogRequest(l Logger, url string, statusCode int, durationMs float64) {
	fields := map[string]interface{}{
		"url":         url,
		"status_code": statusCode,
		"duration_ms": durationMs,
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		l.DebugWithFields("Tile request completed", fields)
	case statusCode >= 500:
		l.ErrorWithFields("Tile request server error", fields)
	default:
		l.WarnWithFields("Tile request client error", fields)
	}
}

// LogProgress logs overall progress as a percentage
func LogProgress(l Logger, done, total int64) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(done) / float64(total) * 100
	}
	l.WithFields(map[string]interface{}{
		"done":       done,
		"total":      total,
		"percentage": fmt.Sprintf("%.1f%%", percentage),
	}).Info("Download progress")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return nil }
