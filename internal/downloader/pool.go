package downloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	tgerrors "tilegrab/pkg/errors"
	"tilegrab/pkg/logger"
	"tilegrab/pkg/ratelimit"
	"tilegrab/pkg/tilemath"
)

// ErrPoolClosed is returned by Submit once the pool has been stopped.
var ErrPoolClosed = errors.New("worker pool is closed")

// TileFetcher downloads the bytes of one tile
type TileFetcher interface {
	FetchTile(ctx context.Context, key tilemath.Key) ([]byte, error)
}

// TileStore persists tiles
type TileStore interface {
	Exists(key tilemath.Key) bool
	Save(r io.Reader, key tilemath.Key) (int64, error)
}

// CompletionRecorder is told about every tile written successfully
type CompletionRecorder interface {
	MarkComplete(key tilemath.Key) error
}

// Task is one tile to fetch. Done, if set, is called exactly once with the
// outcome of every accepted task.
type Task struct {
	Key  tilemath.Key
	Done func(Result)
}

// Result represents the outcome of a task
type Result struct {
	Key      tilemath.Key
	Skipped  bool
	Err      error
	Size     int64
	Duration time.Duration
	// WorkerID is -1 when the submitting goroutine ran the task itself
	WorkerID int
}

// Success reports whether the tile is on disk after the task
func (r Result) Success() bool {
	return r.Err == nil
}

type job struct {
	task Task
	ctx  context.Context
}

// WorkerPool runs tile tasks on a fixed number of goroutines
type WorkerPool struct {
	numWorkers int
	jobQueue   chan job
	slots      chan struct{}
	wg         sync.WaitGroup

	// ctx governs network I/O; it is only cancelled by Abort or an
	// expired shutdown grace period.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	inFlight  atomic.Int64
	peak      atomic.Int64
	callerRun atomic.Int64

	fetcher     TileFetcher
	store       TileStore
	recorder    CompletionRecorder
	rateLimiter ratelimit.Limiter
	logger      logger.Logger
}

// NewPool creates a worker pool. recorder and rateLimiter may be nil.
func NewPool(
	numWorkers int,
	fetcher TileFetcher,
	store TileStore,
	recorder CompletionRecorder,
	rateLimiter ratelimit.Limiter,
	log logger.Logger,
) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan job, numWorkers*2),
		slots:       make(chan struct{}, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		fetcher:     fetcher,
		store:       store,
		recorder:    recorder,
		rateLimiter: rateLimiter,
		logger:      log,
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.logger.DebugWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
		"queue_size":  cap(wp.jobQueue),
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit queues task without blocking. When the queue is full the calling
// goroutine executes the task itself, which throttles the producer to the
// pool's throughput. Tasks whose ctx is done before they start are
// completed with a canceled result and never touch the network.
//
// After Stop or Shutdown, Submit returns ErrPoolClosed and Done is not called.
func (wp *WorkerPool) Submit(ctx context.Context, task Task) error {
	wp.mu.RLock()
	if wp.closed {
		wp.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case wp.jobQueue <- job{task: task, ctx: ctx}:
		wp.mu.RUnlock()
		return nil
	default:
	}
	wp.mu.RUnlock()

	wp.callerRun.Add(1)
	wp.execute(job{task: task, ctx: ctx}, -1)
	return nil
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for j := range wp.jobQueue {
		wp.execute(j, id)
	}
}

func (wp *WorkerPool) execute(j job, workerID int) {
	result := wp.process(j, workerID)
	if j.task.Done != nil {
		j.task.Done(result)
	}
}

// process handles a single tile. At most numWorkers calls hold a slot at
// once, including tasks run by a submitter.
func (wp *WorkerPool) process(j job, workerID int) Result {
	start := time.Now()
	key := j.task.Key
	result := Result{Key: key, WorkerID: workerID}

	select {
	case wp.slots <- struct{}{}:
	case <-j.ctx.Done():
		result.Err = canceled(key, j.ctx.Err())
		return result
	}
	defer func() { <-wp.slots }()

	n := wp.inFlight.Add(1)
	defer wp.inFlight.Add(-1)
	for {
		p := wp.peak.Load()
		if n <= p || wp.peak.CompareAndSwap(p, n) {
			break
		}
	}

	fields := map[string]interface{}{
		"worker_id": workerID,
		"z":         key.Z,
		"x":         key.X,
		"y":         key.Y,
	}

	if err := j.ctx.Err(); err != nil {
		result.Err = canceled(key, err)
		return result
	}

	if wp.store.Exists(key) {
		wp.logger.DebugWithFields("Tile already on disk", fields)
		result.Skipped = true
		result.Duration = time.Since(start)
		return result
	}

	if err := wp.rateLimiter.Wait(j.ctx); err != nil {
		result.Err = canceled(key, err)
		return result
	}

	data, err := wp.fetcher.FetchTile(wp.ctx, key)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		wp.logFailure("Tile fetch failed", fields, err, result.Duration)
		return result
	}

	size, err := wp.store.Save(bytes.NewReader(data), key)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		wp.logFailure("Tile save failed", fields, err, result.Duration)
		return result
	}
	result.Size = size

	if wp.recorder != nil {
		if err := wp.recorder.MarkComplete(key); err != nil {
			wp.logger.WithFields(fields).WithError(err).Warn("Failed to record tile in ledger")
		}
	}

	result.Duration = time.Since(start)
	fields["size"] = size
	fields["duration"] = result.Duration
	wp.logger.DebugWithFields("Tile downloaded", fields)

	return result
}

func (wp *WorkerPool) logFailure(msg string, fields map[string]interface{}, err error, d time.Duration) {
	fields["error"] = err.Error()
	fields["duration"] = d
	if tgerrors.Is(err, tgerrors.KindCanceled) {
		wp.logger.DebugWithFields(msg, fields)
		return
	}
	wp.logger.ErrorWithFields(msg, fields)
}

func canceled(key tilemath.Key, err error) error {
	return &tgerrors.Error{Kind: tgerrors.KindCanceled, Tile: key.String(), Message: "not started", Err: err}
}

// Abort cancels network I/O of every running and future task.
func (wp *WorkerPool) Abort() {
	wp.cancel()
}

// Stop closes the queue and waits for the workers to drain it
func (wp *WorkerPool) Stop() {
	wp.close()
	wp.wg.Wait()
	wp.cancel()
	wp.logger.Debug("Worker pool stopped")
}

// Shutdown closes the queue and waits up to grace for workers to finish.
// Stragglers are then aborted and awaited. It reports whether the pool
// drained within the grace period.
func (wp *WorkerPool) Shutdown(grace time.Duration) bool {
	wp.close()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	drained := true
	select {
	case <-done:
	case <-timer.C:
		drained = false
		wp.logger.WarnWithFields("Grace period expired, aborting in-flight tiles", map[string]interface{}{
			"in_flight": wp.InFlight(),
			"grace":     grace,
		})
		wp.cancel()
		<-done
	}

	wp.cancel()
	return drained
}

func (wp *WorkerPool) close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.closed {
		wp.closed = true
		close(wp.jobQueue)
	}
}

// InFlight returns the number of tiles being processed right now
func (wp *WorkerPool) InFlight() int {
	return int(wp.inFlight.Load())
}

// PeakInFlight returns the highest InFlight value observed
func (wp *WorkerPool) PeakInFlight() int {
	return int(wp.peak.Load())
}

// CallerRuns returns how many tasks were executed by a submitter
func (wp *WorkerPool) CallerRuns() int {
	return int(wp.callerRun.Load())
}

// GetQueueSize returns the current number of jobs in the queue
func (wp *WorkerPool) GetQueueSize() int {
	return len(wp.jobQueue)
}

// GetActiveWorkers returns the number of workers
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}
