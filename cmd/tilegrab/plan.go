package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tilegrab/pkg/config"
	"tilegrab/pkg/storage"
	"tilegrab/pkg/tilemath"
	"tilegrab/pkg/ui"
)

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how many tiles a fetch would cover",
	Long: `Print the tile ranges, tile counts and estimated storage for every zoom
level of the configured region. Tiles already present in the output directory
are counted. No network requests are made.`,
	Example: `  tilegrab plan
  tilegrab plan --max-zoom 14 --output ./china`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	addTileFlags(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, changedFlags(cmd))
	if err != nil {
		ui.PrintError("Failed to load configuration", err)
		return &exitError{code: 2, err: err}
	}

	plans, err := buildPlan(cfg)
	if err != nil {
		ui.PrintError("Failed to inspect output directory", err)
		return &exitError{code: 1, err: err}
	}

	ui.PrintInfo("Region", fmt.Sprintf("N%.4f S%.4f E%.4f W%.4f",
		cfg.Region.North, cfg.Region.South, cfg.Region.East, cfg.Region.West))
	ui.PrintInfo("Output", cfg.Output.Directory)
	fmt.Fprintln(ui.Out)
	ui.PrintPlan(ui.Out, plans)
	return nil
}

// buildPlan computes the range of every zoom level and counts tiles already
// stored. A missing output directory is not created.
func buildPlan(cfg *config.Config) ([]ui.ZoomPlan, error) {
	ranges := tilemath.Ranges(cfg.Region, cfg.Download.MinZoom, cfg.Download.MaxZoom)
	plans := make([]ui.ZoomPlan, 0, len(ranges))

	var store *storage.Manager
	if info, err := os.Stat(cfg.Output.Directory); err == nil && info.IsDir() {
		if store, err = storage.NewManager(cfg.Output.Directory); err != nil {
			return nil, err
		}
	}

	for _, r := range ranges {
		p := ui.ZoomPlan{Range: r}
		if store != nil {
			n, err := store.CountExisting(r.Zoom)
			if err != nil {
				return nil, err
			}
			p.Existing = n
		}
		plans = append(plans, p)
	}
	return plans, nil
}
