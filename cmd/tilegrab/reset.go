package main

import (
	"github.com/spf13/cobra"

	"tilegrab/pkg/config"
	"tilegrab/pkg/ledger"
	"tilegrab/pkg/ui"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the progress ledger",
	Long: `Delete progress.txt from the output directory. Tile files are kept, so the
next fetch still skips them and rebuilds the ledger from what is on disk.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().StringP("output", "o", config.DefaultConfig().Output.Directory, "output directory")
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, changedFlags(cmd))
	if err != nil {
		ui.PrintError("Failed to load configuration", err)
		return &exitError{code: 2, err: err}
	}

	if err := ledger.Remove(cfg.Output.Directory); err != nil {
		ui.PrintError("Failed to remove progress ledger", err)
		return &exitError{code: 1, err: err}
	}

	ui.PrintSuccess("Progress ledger cleared")
	return nil
}
