package engine

import "tilegrab/internal/downloader"

// Observer receives progress callbacks. OnTileDone is called from worker
// goroutines and must be safe for concurrent use.
type Observer interface {
	OnZoomStart(zoom, planned, skipped int)
	OnTileDone(zoom int, result downloader.Result)
	OnZoomDone(summary ZoomSummary)
}

type nopObserver struct{}

func (nopObserver) OnZoomStart(zoom, planned, skipped int)        {}
func (nopObserver) OnTileDone(zoom int, result downloader.Result) {}
func (nopObserver) OnZoomDone(summary ZoomSummary)                {}
