package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tilegrab/pkg/config"
	"tilegrab/pkg/ui"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage tilegrab configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (TILEGRAB_*)
  - .env files
  - Configuration file
  - Default values (lowest priority)`,
}

// initCmd represents the config init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example configuration file",
	Long: `Create an example configuration file with all available options.

The file will be created in the current directory as 'tilegrab.yaml'
unless a different path is specified with the --config flag.`,
	RunE: runConfigInit,
}

// showCmd represents the config show command
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Show the effective configuration after merging defaults, the configuration file and environment variables.`,
	RunE:  runConfigShow,
}

// validateCmd represents the config validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validate the configuration for syntax errors and invalid values.

This command checks:
  - YAML syntax
  - Zoom range and concurrency
  - Region bounds
  - Tile server settings`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
}

const exampleConfig = `# tilegrab configuration file
#
# Every option can also be set with an environment variable prefixed with
# TILEGRAB_, for example TILEGRAB_MAX_ZOOM=10 or TILEGRAB_OUTPUT_DIR=./tiles

output:
  # Tiles are stored as {directory}/{z}/{x}/{y}.jpg next to progress.txt
  directory: "./tiles"
  # Delete progress.txt before the next run
  reset_progress: false

download:
  min_zoom: 1
  max_zoom: 12
  # Number of tiles fetched at the same time
  concurrency: 10
  request_timeout: 30s
  # How long in-flight tiles may finish after Ctrl-C
  shutdown_grace: 60s

# Geographic bounding box in degrees (default: mainland China)
region:
  north: 53.55
  south: 18.16
  east: 134.77
  west: 73.50

server:
  scheme: "https"
  host: "google.com"
  # Requests are spread across mirrors by tile coordinate
  mirrors: ["mt0", "mt1", "mt2", "mt3"]
  # Map layer, s is satellite
  layer: "s"
  user_agent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
  # Set to fetch from a single server instead, e.g. http://localhost:8080
  # base_url: ""

rate_limit:
  # 0 disables rate limiting
  requests_per_minute: 0

logging:
  # debug, info, warn, error
  level: "info"
  # Optional log file, written in addition to the console
  file: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = "tilegrab.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		err = fmt.Errorf("%s already exists", configPath)
		ui.PrintError("Configuration file already exists", configPath)
		fmt.Fprintln(ui.Out, "\nTo overwrite, first remove the existing file:")
		fmt.Fprintf(ui.Out, "  rm %s\n", configPath)
		return &exitError{code: 1, err: err}
	}

	if err := os.WriteFile(configPath, []byte(exampleConfig), 0644); err != nil {
		ui.PrintError("Failed to create configuration file", err)
		return &exitError{code: 1, err: err}
	}

	ui.PrintSuccess("Configuration file created: " + configPath)
	fmt.Fprintln(ui.Out, "\nNext steps:")
	fmt.Fprintln(ui.Out, "1. Edit the region and zoom range")
	fmt.Fprintln(ui.Out, "2. Run 'tilegrab config validate' to check the configuration")
	fmt.Fprintln(ui.Out, "3. Run 'tilegrab plan' to see how many tiles will be fetched")
	fmt.Fprintln(ui.Out, "4. Start downloading with 'tilegrab fetch'")
	return nil
}

// loadUnvalidated merges file and environment over the defaults without
// rejecting invalid values, so they can still be displayed.
func loadUnvalidated() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromFile(configFile); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadUnvalidated()
	if err != nil {
		ui.PrintError("Failed to load configuration", err)
		return &exitError{code: 2, err: err}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		ui.PrintError("Failed to format configuration", err)
		return &exitError{code: 1, err: err}
	}

	fmt.Fprint(ui.Out, string(data))

	fmt.Fprintln(ui.Out, "\nConfiguration sources (in order of priority):")
	fmt.Fprintln(ui.Out, "1. Command line flags")
	fmt.Fprintln(ui.Out, "2. Environment variables (TILEGRAB_*)")
	if configFile != "" {
		fmt.Fprintf(ui.Out, "3. Configuration file: %s\n", configFile)
	} else {
		fmt.Fprintln(ui.Out, "3. Configuration file: (searched in ./tilegrab.yaml and ~/.config/tilegrab/)")
	}
	fmt.Fprintln(ui.Out, "4. Default values")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadUnvalidated()
	if err != nil {
		ui.PrintError("Failed to load configuration", err)
		return &exitError{code: 2, err: err}
	}

	if err := cfg.Validate(); err != nil {
		ui.PrintError("Configuration has errors")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(ui.Out, "  - %s\n", line)
		}
		return &exitError{code: 2, err: err}
	}

	if cfg.RateLimit.RequestsPerMinute == 0 {
		ui.PrintWarning("Rate limiting is disabled, the tile server may throttle or block requests")
	}

	ui.PrintSuccess("Configuration is valid")

	fmt.Fprintln(ui.Out, "\nConfiguration summary:")
	fmt.Fprintf(ui.Out, "  Output directory: %s\n", cfg.Output.Directory)
	fmt.Fprintf(ui.Out, "  Zoom levels: %d-%d\n", cfg.Download.MinZoom, cfg.Download.MaxZoom)
	fmt.Fprintf(ui.Out, "  Concurrency: %d\n", cfg.Download.Concurrency)
	fmt.Fprintf(ui.Out, "  Rate limit: %d requests/minute\n", cfg.RateLimit.RequestsPerMinute)
	fmt.Fprintf(ui.Out, "  Log level: %s\n", cfg.Logging.Level)
	return nil
}
