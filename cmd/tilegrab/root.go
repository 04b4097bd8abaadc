package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"tilegrab/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	logFile    string
	quiet      bool
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tilegrab",
	Short: "Resumable bulk downloader for slippy-map tiles",
	Long: `tilegrab downloads every map tile covering a geographic bounding box
for a range of zoom levels and stores them as {output}/{z}/{x}/{y}.jpg.

Features:
  - Zoom levels processed in order, tiles within a zoom fetched concurrently
  - Interrupted runs resume where they stopped, tiles on disk are never refetched
  - Atomic writes, a tile file is either complete or absent
  - Graceful shutdown on Ctrl-C with a bounded grace period
  - Optional request rate limiting`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if quiet {
			ui.Out = discard{}
		}
		if cmd.Name() == "fetch" && !quiet && ui.IsInteractive(os.Stdout) {
			ui.PrintBanner()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./tilegrab.yaml or ~/.config/tilegrab/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress bars and reports")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show log lines alongside progress bars")

	rootCmd.SetVersionTemplate(`tilegrab {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
