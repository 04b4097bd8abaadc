package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tilegrab/pkg/config"
	"tilegrab/pkg/engine"
	"tilegrab/pkg/logger"
	"tilegrab/pkg/tilemath"
	"tilegrab/pkg/ui"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download every tile in the configured region and zoom range",
	Long: `Download all tiles covering the configured bounding box, one zoom level
at a time. Tiles already on disk are skipped, so running the same command again
after an interruption resumes the download.

Press Ctrl-C once to stop gracefully: no new tiles are started and in-flight
tiles get the grace period to finish. Press it again to exit immediately.`,
	Example: `  # Download the default region (mainland China) for zoom 1-12
  tilegrab fetch

  # Zoom 1-8 into ./china with 20 workers
  tilegrab fetch --max-zoom 8 --output ./china --concurrency 20

  # A custom bounding box, throttled to 600 requests per minute
  tilegrab fetch --north 49 --south 25 --east -66.9 --west -124.7 --rate-limit 600

  # Forget the progress ledger before starting
  tilegrab fetch --reset`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	addTileFlags(fetchCmd)

	d := config.DefaultConfig()
	fetchCmd.Flags().IntP("concurrency", "n", d.Download.Concurrency, "number of concurrent downloads")
	fetchCmd.Flags().Duration("timeout", d.Download.RequestTimeout, "per-request timeout")
	fetchCmd.Flags().Duration("grace", d.Download.ShutdownGrace, "how long in-flight tiles may finish after Ctrl-C")
	fetchCmd.Flags().Int("rate-limit", d.RateLimit.RequestsPerMinute, "requests per minute (0 for unlimited)")
	fetchCmd.Flags().String("base-url", "", "fetch from this server instead of the mirror pool")
	fetchCmd.Flags().Bool("reset", false, "clear the progress ledger before starting")
}

// addTileFlags registers the flags that select which tiles a command covers.
func addTileFlags(cmd *cobra.Command) {
	d := config.DefaultConfig()
	cmd.Flags().StringP("output", "o", d.Output.Directory, "output directory")
	cmd.Flags().Int("min-zoom", d.Download.MinZoom, "first zoom level")
	cmd.Flags().Int("max-zoom", d.Download.MaxZoom, "last zoom level")
	cmd.Flags().Float64("north", tilemath.ChinaBounds.North, "northern latitude of the region")
	cmd.Flags().Float64("south", tilemath.ChinaBounds.South, "southern latitude of the region")
	cmd.Flags().Float64("east", tilemath.ChinaBounds.East, "eastern longitude of the region")
	cmd.Flags().Float64("west", tilemath.ChinaBounds.West, "western longitude of the region")
}

func runFetch(cmd *cobra.Command, args []string) error {
	interactive := !quiet && ui.IsInteractive(os.Stderr)

	flags := changedFlags(cmd)
	// Progress bars and console logs share the terminal
	if interactive && !verbose && !cmd.Flags().Changed("log-level") {
		flags["log-level"] = "warn"
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		ui.PrintError("Failed to load configuration", err)
		return &exitError{code: 2, err: err}
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		ui.PrintError("Failed to initialize logger", err)
		return &exitError{code: 2, err: err}
	}
	log := logger.GetLogger()
	log.WithField("version", version).Debug("tilegrab starting")

	total := tilemath.TotalTiles(cfg.Region, cfg.Download.MinZoom, cfg.Download.MaxZoom)
	ui.PrintInfo("Output", cfg.Output.Directory)
	ui.PrintInfo("Zoom", fmt.Sprintf("%d-%d (%d tiles)", cfg.Download.MinZoom, cfg.Download.MaxZoom, total))
	ui.PrintInfo("Workers", fmt.Sprint(cfg.Download.Concurrency))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			// Restore default handling so a second Ctrl-C kills the process
			stop()
			ui.PrintWarning(fmt.Sprintf("Stopping, waiting up to %s for in-flight tiles (Ctrl-C again to force)", cfg.Download.ShutdownGrace))
		case <-finished:
		}
	}()

	eng := engine.New(cfg, log, engine.WithObserver(ui.NewZoomProgress(os.Stderr, interactive, log)))

	start := time.Now()
	stats, runErr := eng.Run(ctx)
	interrupted := runErr != nil && errors.Is(runErr, context.Canceled)

	if runErr != nil && !interrupted {
		ui.PrintError("Download failed", runErr)
		return &exitError{code: 1, err: runErr}
	}

	ui.PrintSummary(ui.Out, stats, time.Since(start), interrupted)

	switch {
	case interrupted:
		return &exitError{code: 130, err: runErr}
	case stats.Failed > 0:
		return &exitError{code: 3, err: fmt.Errorf("%d tiles failed", stats.Failed)}
	}
	return nil
}
