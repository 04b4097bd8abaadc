package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tilegrab/internal/downloader"
	"tilegrab/pkg/config"
	tgerrors "tilegrab/pkg/errors"
	"tilegrab/pkg/ledger"
	"tilegrab/pkg/logger"
	"tilegrab/pkg/ratelimit"
	"tilegrab/pkg/storage"
	"tilegrab/pkg/tileclient"
	"tilegrab/pkg/tilemath"
)

// ErrAlreadyRun is returned when Run is called more than once.
var ErrAlreadyRun = errors.New("engine has already been run")

// State is the engine's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customizes an Engine
type Option func(*Engine)

// WithFetcher replaces the HTTP tile client
func WithFetcher(f downloader.TileFetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithObserver installs progress callbacks
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// Engine orchestrates one download run. It is single use.
type Engine struct {
	config   *config.Config
	logger   logger.Logger
	fetcher  downloader.TileFetcher
	observer Observer

	state atomic.Int32
	zoom  atomic.Int32
	stats RunStats
	runID string
}

// New creates an engine for cfg. cfg must already be validated.
func New(cfg *config.Config, log logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	e := &Engine{
		config:   cfg,
		logger:   log,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Zoom returns the zoom level being processed, 0 before the first one
func (e *Engine) Zoom() int {
	return int(e.zoom.Load())
}

// Stats returns live counters
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// RunID identifies this run in log output
func (e *Engine) RunID() string {
	return e.runID
}

// Run downloads every missing tile of the configured region and zoom range.
// A failure to prepare the output directory is returned before any request
// is made. Individual tile failures are counted, never returned.
func (e *Engine) Run(ctx context.Context) (StatsSnapshot, error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return e.stats.Snapshot(), ErrAlreadyRun
	}
	defer e.state.Store(int32(StateTerminated))

	cfg := e.config
	log, runID := logger.ForRun(e.logger)
	e.runID = runID

	log.InfoWithFields("Starting tile download", map[string]interface{}{
		"output":      cfg.Output.Directory,
		"min_zoom":    cfg.Download.MinZoom,
		"max_zoom":    cfg.Download.MaxZoom,
		"concurrency": cfg.Download.Concurrency,
		"region":      fmt.Sprintf("N%.4f S%.4f E%.4f W%.4f", cfg.Region.North, cfg.Region.South, cfg.Region.East, cfg.Region.West),
	})

	store, err := storage.NewManager(cfg.Output.Directory)
	if err != nil {
		log.WithError(err).Error("Cannot prepare output directory")
		return e.stats.Snapshot(), fmt.Errorf("prepare output directory: %w", err)
	}
	if removed, err := store.CleanTemp(); err != nil {
		log.WithError(err).Warn("Failed to clean temporary files")
	} else if removed > 0 {
		log.WithField("removed", removed).Info("Removed temporary files from an interrupted run")
	}

	led, err := ledger.Open(store.GetOutputDir(), log)
	if err != nil {
		log.WithError(err).Warn("Progress ledger is not writable, continuing without durable progress")
	}
	if cfg.Output.ResetProgress {
		if err := led.Reset(); err != nil {
			log.WithError(err).Warn("Failed to reset progress ledger")
		}
	}
	defer func() {
		if err := led.Close(); err != nil {
			log.WithError(err).Warn("Failed to close progress ledger")
		}
	}()

	if n := led.CompletedCount(); n > 0 {
		log.InfoWithFields("Resuming previous run", map[string]interface{}{
			"already_downloaded": n,
			"ledger":             led.Path(),
		})
	}

	fetcher := e.fetcher
	if fetcher == nil {
		fetcher = tileclient.NewClient(cfg.Server, cfg.Download.RequestTimeout, logger.ForComponent(log, "tileclient"))
	}
	defer func() {
		if c, ok := fetcher.(interface{ Close() }); ok {
			c.Close()
		}
	}()

	pool := downloader.NewPool(
		cfg.Download.Concurrency,
		fetcher,
		store,
		led,
		ratelimit.NewPerMinute(cfg.RateLimit.RequestsPerMinute),
		logger.ForComponent(log, "pool"),
	)
	pool.Start()
	log.WithField("workers", pool.GetActiveWorkers()).Debug("Worker pool started")

	runDone := make(chan struct{})
	defer close(runDone)
	go e.watchGrace(ctx, runDone, pool, log)

	for zoom := cfg.Download.MinZoom; zoom <= cfg.Download.MaxZoom; zoom++ {
		if ctx.Err() != nil {
			break
		}
		e.zoom.Store(int32(zoom))
		e.runZoom(ctx, zoom, store, led, pool, log)
	}

	if ctx.Err() != nil {
		e.state.Store(int32(StateDraining))
	}
	if !pool.Shutdown(cfg.Download.ShutdownGrace) {
		log.Warn("Worker pool did not drain within the grace period")
	}

	snap := e.stats.Snapshot()
	snap.PeakInFlight = pool.PeakInFlight()
	e.logSummary(log, snap, ctx.Err())

	if err := ctx.Err(); err != nil {
		return snap, err
	}
	return snap, nil
}

// runZoom plans, dispatches and awaits one zoom level
func (e *Engine) runZoom(ctx context.Context, zoom int, store *storage.Manager, led *ledger.Ledger, pool *downloader.WorkerPool, log logger.Logger) {
	tileRange := tilemath.RangeForBounds(e.config.Region, zoom)
	zlog := log.WithField("zoom", zoom)

	// A deep zoom range holds billions of keys, so it is walked once to plan
	// and once more to dispatch; missing keys are never collected.
	skipped, stale, healed := 0, 0, 0
	for key := range tileRange.All() {
		recorded := led.IsComplete(key)
		if store.Exists(key) {
			skipped++
			if !recorded {
				// Keep the ledger in step with files written before it existed.
				if err := led.MarkComplete(key); err == nil {
					healed++
				}
			}
			continue
		}
		if recorded {
			stale++
		}
	}

	planned := tileRange.Count()
	e.stats.planned.Add(int64(planned))
	e.stats.skipped.Add(int64(skipped))

	logger.LogZoomStart(log, zoom, planned, skipped)
	if stale > 0 {
		zlog.WithField("missing_files", stale).Warn("Ledger lists tiles whose files are missing, fetching them again")
	}
	if healed > 0 {
		zlog.WithField("recorded", healed).Debug("Recorded existing tiles missing from the ledger")
	}
	e.observer.OnZoomStart(zoom, planned, skipped)

	var (
		barrier    sync.WaitGroup
		counters   zoomCounters
		dispatched int
		present    int
	)
	for key := range tileRange.All() {
		if ctx.Err() != nil {
			break
		}
		if store.Exists(key) {
			present++
			continue
		}
		barrier.Add(1)
		err := pool.Submit(ctx, downloader.Task{
			Key: key,
			Done: func(r downloader.Result) {
				e.record(zoom, r, &counters)
				barrier.Done()
			},
		})
		if err != nil {
			barrier.Done()
			zlog.WithError(err).Error("Dispatch stopped")
			break
		}
		dispatched++
	}

	e.await(ctx, &barrier, pool, zlog)

	// Files that appeared after planning were skipped by the second pass.
	if late := present - skipped; late > 0 {
		e.stats.skipped.Add(int64(late))
		counters.skipped.Add(int64(late))
	}

	summary := ZoomSummary{
		Zoom:       zoom,
		Planned:    planned,
		Skipped:    skipped + int(counters.skipped.Load()),
		Dispatched: dispatched,
		Downloaded: counters.downloaded.Load(),
		Failed:     counters.failed.Load(),
		Canceled:   counters.canceled.Load(),
	}
	if err := led.Sync(); err != nil {
		zlog.WithError(err).Warn("Failed to sync progress ledger")
	}
	logger.LogZoomComplete(log, zoom, summary.Downloaded, summary.Failed)
	e.observer.OnZoomDone(summary)
}

// await blocks on the zoom barrier. Once ctx is done the remaining tasks
// either finish or are aborted by watchGrace.
func (e *Engine) await(ctx context.Context, barrier *sync.WaitGroup, pool *downloader.WorkerPool, log logger.Logger) {
	done := make(chan struct{})
	go func() {
		barrier.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	e.state.Store(int32(StateDraining))
	log.InfoWithFields("Interrupted, waiting for in-flight tiles", map[string]interface{}{
		"in_flight": pool.InFlight(),
		"queued":    pool.GetQueueSize(),
		"grace":     e.config.Download.ShutdownGrace,
	})
	<-done
}

// watchGrace aborts every in-flight request once ShutdownGrace has passed
// since ctx was cancelled. It runs beside the dispatch loop so that a task
// executed by the dispatcher itself is covered too.
func (e *Engine) watchGrace(ctx context.Context, runDone <-chan struct{}, pool *downloader.WorkerPool, log logger.Logger) {
	select {
	case <-runDone:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(e.config.Download.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-runDone:
	case <-timer.C:
		log.WithField("in_flight", pool.InFlight()).Warn("Grace period expired, aborting remaining tiles")
		pool.Abort()
	}
}

func (e *Engine) record(zoom int, r downloader.Result, c *zoomCounters) {
	switch {
	case r.Skipped:
		e.stats.skipped.Add(1)
		c.skipped.Add(1)
	case r.Err == nil:
		e.stats.downloaded.Add(1)
		e.stats.bytes.Add(r.Size)
		c.downloaded.Add(1)
	case tgerrors.Is(r.Err, tgerrors.KindCanceled):
		e.stats.canceled.Add(1)
		c.canceled.Add(1)
	default:
		e.stats.failed.Add(1)
		c.failed.Add(1)
	}
	e.observer.OnTileDone(zoom, r)
}

func (e *Engine) logSummary(log logger.Logger, s StatsSnapshot, runErr error) {
	fields := map[string]interface{}{
		"planned":        s.Planned,
		"completed":      s.Completed(),
		"skipped":        s.Skipped,
		"downloaded":     s.Downloaded,
		"failed":         s.Failed,
		"canceled":       s.Canceled,
		"bytes":          s.Bytes,
		"peak_in_flight": s.PeakInFlight,
	}
	switch {
	case runErr != nil:
		log.WarnWithFields("Download interrupted, run again to resume", fields)
	case s.Failed > 0:
		log.WarnWithFields("Download finished with failures", fields)
	default:
		log.InfoWithFields("Download finished", fields)
	}
}
