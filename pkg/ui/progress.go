package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"tilegrab/internal/downloader"
	"tilegrab/pkg/engine"
	"tilegrab/pkg/logger"
)

// ZoomProgress renders one progress bar per zoom level on a terminal and
// falls back to periodic log lines otherwise. It implements engine.Observer.
type ZoomProgress struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	logger      logger.Logger
	logEvery    int64

	bar     *progressbar.ProgressBar
	planned int64
	done    int64
}

// NewZoomProgress creates a progress observer writing bars to out
func NewZoomProgress(out io.Writer, interactive bool, log logger.Logger) *ZoomProgress {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ZoomProgress{
		out:         out,
		interactive: interactive,
		logger:      log,
		logEvery:    1000,
	}
}

func (p *ZoomProgress) OnZoomStart(zoom, planned, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.planned = int64(planned)
	p.done = int64(skipped)

	if !p.interactive {
		return
	}

	p.bar = progressbar.NewOptions64(int64(planned),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(fmt.Sprintf("zoom %2d", zoom)),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("tiles"),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionFullWidth(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
	if skipped > 0 {
		_ = p.bar.Set(skipped)
	}
}

func (p *ZoomProgress) OnTileDone(zoom int, result downloader.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++

	if p.bar != nil {
		_ = p.bar.Add(1)
		return
	}
	if p.logEvery > 0 && p.done%p.logEvery == 0 {
		logger.LogProgress(p.logger.WithField("zoom", zoom), p.done, p.planned)
	}
}

func (p *ZoomProgress) OnZoomDone(summary engine.ZoomSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
	if !p.interactive {
		return
	}

	line := fmt.Sprintf("zoom %2d  planned %d  skipped %d  downloaded %d",
		summary.Zoom, summary.Planned, summary.Skipped, summary.Downloaded)
	switch {
	case summary.Failed > 0:
		fmt.Fprintln(p.out, warningStyle.Render(fmt.Sprintf("%s  failed %d", line, summary.Failed)))
	case summary.Canceled > 0:
		fmt.Fprintln(p.out, warningStyle.Render(fmt.Sprintf("%s  canceled %d", line, summary.Canceled)))
	default:
		fmt.Fprintln(p.out, successStyle.Render(line))
	}
}
