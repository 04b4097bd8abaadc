package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilegrab/internal/downloader"
	"tilegrab/pkg/config"
	"tilegrab/pkg/ledger"
	"tilegrab/pkg/logger"
	"tilegrab/pkg/storage"
	"tilegrab/pkg/tilemath"
)

type tileServer struct {
	*httptest.Server
	hits    atomic.Int64
	missing map[tilemath.Key]bool
}

func newTileServer(t *testing.T, missing ...tilemath.Key) *tileServer {
	t.Helper()
	ts := &tileServer{missing: make(map[tilemath.Key]bool)}
	for _, k := range missing {
		ts.missing[k] = true
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		var k tilemath.Key
		if _, err := fmt.Sscanf(r.URL.Path, "/vt/lyrs=s&x=%d&y=%d&z=%d", &k.X, &k.Y, &k.Z); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ts.missing[k] {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "jpeg %s", k)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(t *testing.T, baseURL string, minZoom, maxZoom int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Output.Directory = t.TempDir()
	cfg.Download.MinZoom = minZoom
	cfg.Download.MaxZoom = maxZoom
	cfg.Download.Concurrency = 4
	cfg.Download.RequestTimeout = 5 * time.Second
	cfg.Download.ShutdownGrace = 2 * time.Second
	cfg.Server.BaseURL = baseURL
	return cfg
}

// countingFetcher serves fake tiles and optionally cancels the run after a
// number of fetches.
type countingFetcher struct {
	calls    atomic.Int64
	cancelAt int64
	cancel   context.CancelFunc
	delay    time.Duration
}

func (f *countingFetcher) FetchTile(ctx context.Context, key tilemath.Key) ([]byte, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.cancel != nil && n == f.cancelAt {
		f.cancel()
	}
	return []byte("jpeg " + key.String()), nil
}

func countFiles(t *testing.T, dir string) []tilemath.Key {
	t.Helper()
	var keys []tilemath.Key
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != storage.TileExt {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		var k tilemath.Key
		if _, err := fmt.Sscanf(filepath.ToSlash(rel), "%d/%d/%d.jpg", &k.Z, &k.X, &k.Y); err != nil {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	require.NoError(t, err)
	return keys
}

func TestRunDownloadsEveryTile(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(t, srv.URL, 1, 4)

	e := New(cfg, logger.NewNopLogger())
	assert.Equal(t, StateIdle, e.State())

	snap, err := e.Run(context.Background())
	require.NoError(t, err)

	want := int64(tilemath.TotalTiles(cfg.Region, 1, 4))
	assert.Equal(t, int64(16), want)
	assert.Equal(t, want, snap.Planned)
	assert.Equal(t, want, snap.Downloaded)
	assert.Equal(t, want, snap.Completed())
	assert.Zero(t, snap.Failed)
	assert.Zero(t, snap.Remaining())
	assert.Equal(t, want, srv.hits.Load())
	assert.Positive(t, snap.Bytes)
	assert.LessOrEqual(t, snap.PeakInFlight, cfg.Download.Concurrency)

	assert.Equal(t, StateTerminated, e.State())
	assert.NotEmpty(t, e.RunID())

	body, err := os.ReadFile(filepath.Join(cfg.Output.Directory, "3", "5", "2.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg 3/5/2", string(body))

	l, err := ledger.Open(cfg.Output.Directory, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, int(want), l.CompletedCount())
}

func TestRunIsIdempotent(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(t, srv.URL, 1, 4)

	_, err := New(cfg, logger.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)
	first := srv.hits.Load()

	tl := logger.NewTestLogger()
	snap, err := New(cfg, tl).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, srv.hits.Load(), "second run must not fetch")
	assert.Equal(t, snap.Planned, snap.Skipped)
	assert.Zero(t, snap.Downloaded)
	assert.True(t, tl.HasMessage("Resuming previous run"))
}

func TestRunFetchesOnlyMissingTiles(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(t, srv.URL, 6, 6)

	store, err := storage.NewManager(cfg.Output.Directory)
	require.NoError(t, err)

	keys := tilemath.RangeForBounds(cfg.Region, 6).Keys()
	m := len(keys)
	n := 37
	for _, k := range keys[:n] {
		_, err := store.Save(strings.NewReader("existing"), k)
		require.NoError(t, err)
	}

	snap, err := New(cfg, logger.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(m-n), srv.hits.Load())
	assert.Equal(t, int64(n), snap.Skipped)
	assert.Equal(t, int64(m-n), snap.Downloaded)

	// Pre-existing files were recorded in the ledger too.
	l, err := ledger.Open(cfg.Output.Directory, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, m, l.CompletedCount())
}

func TestRunNotFoundTile(t *testing.T) {
	missing := tilemath.Key{Z: 3, X: 6, Y: 2}
	srv := newTileServer(t, missing)
	cfg := testConfig(t, srv.URL, 3, 3)

	tl := logger.NewTestLogger()
	snap, err := New(cfg, tl).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(3), snap.Downloaded)
	assert.Equal(t, int64(1), snap.Remaining())

	store, err := storage.NewManager(cfg.Output.Directory)
	require.NoError(t, err)
	assert.False(t, store.Exists(missing))

	l, err := ledger.Open(cfg.Output.Directory, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.False(t, l.IsComplete(missing))
	assert.Equal(t, 3, l.CompletedCount())

	assert.True(t, tl.HasMessage("Tile fetch failed"))
	assert.True(t, tl.HasMessage("finished with failures"))

	// The failed tile is attempted again by the next run.
	hitsBefore := srv.hits.Load()
	_, err = New(cfg, logger.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hitsBefore+1, srv.hits.Load())
}

func TestRunInterruptedMidZoomResumes(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid", 5, 6)
	cfg.Download.Concurrency = 2
	total := tilemath.TotalTiles(cfg.Region, 5, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupting := &countingFetcher{cancelAt: 5, cancel: cancel, delay: time.Millisecond}

	e := New(cfg, logger.NewNopLogger(), WithFetcher(interrupting))
	snap, err := e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateTerminated, e.State())

	files := countFiles(t, cfg.Output.Directory)
	assert.GreaterOrEqual(t, len(files), 5)
	assert.Less(t, len(files), total)
	assert.Equal(t, int64(len(files)), snap.Downloaded)
	assert.Zero(t, snap.Failed)

	l, err := ledger.Open(cfg.Output.Directory, nil)
	require.NoError(t, err)
	for _, k := range files {
		assert.True(t, l.IsComplete(k), "file %s missing from ledger", k)
	}
	require.NoError(t, l.Close())

	resumed := &countingFetcher{}
	snap2, err := New(cfg, logger.NewNopLogger(), WithFetcher(resumed)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(total-len(files)), resumed.calls.Load())
	assert.Equal(t, int64(len(files)), snap2.Skipped)
	assert.Equal(t, int64(total), snap2.Completed())
	assert.Len(t, countFiles(t, cfg.Output.Directory), total)
}

// blockingFetcher never finishes until its context is cancelled.
type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) FetchTile(ctx context.Context, key tilemath.Key) ([]byte, error) {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunGracePeriodAbortsStragglers(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid", 3, 4)
	cfg.Download.ShutdownGrace = 50 * time.Millisecond

	fetcher := &blockingFetcher{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-fetcher.started
		cancel()
	}()

	start := time.Now()
	snap, err := New(cfg, logger.NewNopLogger(), WithFetcher(fetcher)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Zero(t, snap.Downloaded)
	assert.Zero(t, snap.Failed)
	assert.Positive(t, snap.Canceled)
	assert.Empty(t, countFiles(t, cfg.Output.Directory))
	// Zoom 4 never started.
	assert.Equal(t, int64(tilemath.RangeForBounds(cfg.Region, 3).Count()), snap.Planned)
}

// dispatcherFetcher blocks until aborted, but only when the task is run by
// the dispatch loop itself because the pool queue was full. Worker fetches
// succeed after a short delay so that the queue stays saturated.
type dispatcherFetcher struct {
	cancel context.CancelFunc
	calls  atomic.Int64
	inline atomic.Bool
}

func (f *dispatcherFetcher) FetchTile(ctx context.Context, key tilemath.Key) ([]byte, error) {
	f.calls.Add(1)
	if !onDispatchGoroutine() {
		time.Sleep(20 * time.Millisecond)
		return []byte("jpeg " + key.String()), nil
	}
	f.inline.Store(true)
	f.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func onDispatchGoroutine() bool {
	pcs := make([]uintptr, 64)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(2, pcs)])
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.Function, "(*Engine).runZoom") {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestRunGracePeriodCoversTasksRunByDispatcher(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid", 5, 5)
	cfg.Download.Concurrency = 1
	cfg.Download.ShutdownGrace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &dispatcherFetcher{cancel: cancel}
	tl := logger.NewTestLogger()

	type outcome struct {
		snap StatsSnapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := New(cfg, tl, WithFetcher(fetcher)).Run(ctx)
		done <- outcome{snap, err}
	}()

	select {
	case out := <-done:
		require.ErrorIs(t, out.err, context.Canceled)
		assert.True(t, fetcher.inline.Load(), "dispatch loop never ran a task itself")
		assert.Positive(t, out.snap.Canceled)
		assert.Less(t, out.snap.Completed(), out.snap.Planned)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run still blocked 5s after cancel with %s grace (calls=%d)", cfg.Download.ShutdownGrace, fetcher.calls.Load())
	}
	assert.True(t, tl.HasMessage("Grace period expired"))
}

// fileDropObserver writes a tile to disk between planning and dispatch.
type fileDropObserver struct {
	store *storage.Manager
	key   tilemath.Key
}

func (o *fileDropObserver) OnZoomStart(zoom, planned, skipped int) {
	if zoom == o.key.Z {
		_, _ = o.store.Save(strings.NewReader("written elsewhere"), o.key)
	}
}

func (o *fileDropObserver) OnTileDone(zoom int, result downloader.Result) {}
func (o *fileDropObserver) OnZoomDone(summary ZoomSummary)                {}

func TestRunRechecksDiskWhileDispatching(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(t, srv.URL, 3, 3)

	store, err := storage.NewManager(cfg.Output.Directory)
	require.NoError(t, err)
	late := tilemath.Key{Z: 3, X: 5, Y: 2}

	snap, err := New(cfg, logger.NewNopLogger(),
		WithObserver(&fileDropObserver{store: store, key: late}),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), srv.hits.Load())
	assert.Equal(t, int64(3), snap.Downloaded)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, snap.Planned, snap.Completed())

	data, err := os.ReadFile(store.Path(late))
	require.NoError(t, err)
	assert.Equal(t, "written elsewhere", string(data))
}

func TestRunRefetchesLedgerEntriesWithoutFiles(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(t, srv.URL, 3, 3)

	l, err := ledger.Open(cfg.Output.Directory, nil)
	require.NoError(t, err)
	require.NoError(t, l.MarkComplete(tilemath.Key{Z: 3, X: 5, Y: 2}))
	require.NoError(t, l.Close())

	snap, err := New(cfg, logger.NewNopLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), srv.hits.Load())
	assert.Equal(t, int64(4), snap.Downloaded)
}

func TestRunResetProgress(t *testing.T) {
	srv := newTileServer(t)
	cfg := testConfig(t, srv.URL, 2, 2)
	cfg.Output.ResetProgress = true

	stale := tilemath.Key{Z: 9, X: 1, Y: 1}
	l, err := ledger.Open(cfg.Output.Directory, nil)
	require.NoError(t, err)
	require.NoError(t, l.MarkComplete(stale))
	require.NoError(t, l.Close())

	tl := logger.NewTestLogger()
	_, err = New(cfg, tl).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, tl.HasMessage("Progress ledger reset"))

	l, err = ledger.Open(cfg.Output.Directory, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.False(t, l.IsComplete(stale))
	assert.Equal(t, 2, l.CompletedCount())
}

func TestRunFailsWhenOutputDirUnusable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	cfg := testConfig(t, "http://unused.invalid", 1, 2)
	cfg.Output.Directory = filepath.Join(blocker, "tiles")

	fetcher := &countingFetcher{}
	e := New(cfg, logger.NewNopLogger(), WithFetcher(fetcher))
	snap, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output directory")
	assert.Zero(t, fetcher.calls.Load())
	assert.Zero(t, snap.Planned)
	assert.Equal(t, StateTerminated, e.State())
}

func TestRunOnlyOnce(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid", 1, 1)
	e := New(cfg, logger.NewNopLogger(), WithFetcher(&countingFetcher{}))

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

type event struct {
	kind string
	zoom int
}

type recordingObserver struct {
	mu     sync.Mutex
	events []event
	zooms  []ZoomSummary
}

func (o *recordingObserver) OnZoomStart(zoom, planned, skipped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event{"start", zoom})
}

func (o *recordingObserver) OnTileDone(zoom int, result downloader.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event{"tile", result.Key.Z})
}

func (o *recordingObserver) OnZoomDone(summary ZoomSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event{"done", summary.Zoom})
	o.zooms = append(o.zooms, summary)
}

func TestZoomLevelsAreStrictlySequential(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid", 1, 6)
	obs := &recordingObserver{}

	_, err := New(cfg, logger.NewNopLogger(),
		WithFetcher(&countingFetcher{delay: 100 * time.Microsecond}),
		WithObserver(obs),
	).Run(context.Background())
	require.NoError(t, err)

	current := 0
	open := false
	for _, ev := range obs.events {
		switch ev.kind {
		case "start":
			require.False(t, open, "zoom %d started before zoom %d finished", ev.zoom, current)
			require.Equal(t, current+1, ev.zoom)
			current, open = ev.zoom, true
		case "tile":
			require.True(t, open)
			require.Equal(t, current, ev.zoom)
		case "done":
			require.Equal(t, current, ev.zoom)
			open = false
		}
	}
	assert.Equal(t, 6, current)

	require.Len(t, obs.zooms, 6)
	for _, z := range obs.zooms {
		assert.Equal(t, tilemath.RangeForBounds(cfg.Region, z.Zoom).Count(), z.Planned)
		assert.Equal(t, int64(z.Planned), z.Downloaded)
		assert.Equal(t, z.Planned, z.Dispatched)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "state(9)", State(9).String())
}
