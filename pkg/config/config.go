package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tilegrab/pkg/tilemath"
)

const (
	// MinZoomLimit and MaxZoomLimit bound the configurable zoom range.
	MinZoomLimit = 1
	MaxZoomLimit = 18

	// MaxConcurrency caps the worker pool size.
	MaxConcurrency = 100

	envPrefix = "TILEGRAB_"
)

// Config holds all configuration options for a tile run
type Config struct {
	// Where tiles and the progress ledger are written
	Output OutputConfig `yaml:"output" json:"output"`

	// Zoom range, concurrency and timeouts
	Download DownloadConfig `yaml:"download" json:"download"`

	// Geographic region to cover
	Region tilemath.BoundingBox `yaml:"region" json:"region"`

	// Remote tile server
	Server ServerConfig `yaml:"server" json:"server"`

	// Optional fixed request cap
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// OutputConfig holds output directory configuration
type OutputConfig struct {
	Directory string `yaml:"directory" json:"directory"`
	// ResetProgress deletes the ledger before the run starts
	ResetProgress bool `yaml:"reset_progress" json:"reset_progress"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	MinZoom        int           `yaml:"min_zoom" json:"min_zoom"`
	MaxZoom        int           `yaml:"max_zoom" json:"max_zoom"`
	Concurrency    int           `yaml:"concurrency" json:"concurrency"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// ServerConfig describes the tile server URL template
type ServerConfig struct {
	Scheme    string   `yaml:"scheme" json:"scheme"`
	Host      string   `yaml:"host" json:"host"`
	Mirrors   []string `yaml:"mirrors" json:"mirrors"`
	Layer     string   `yaml:"layer" json:"layer"`
	UserAgent string   `yaml:"user_agent" json:"user_agent"`
	// BaseURL replaces scheme, mirror and host when set
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// RateLimitConfig holds a static request cap; zero disables it
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			Directory: "./tiles",
		},
		Download: DownloadConfig{
			MinZoom:        1,
			MaxZoom:        12,
			Concurrency:    10,
			RequestTimeout: 30 * time.Second,
			ShutdownGrace:  60 * time.Second,
		},
		Region: tilemath.ChinaBounds,
		Server: ServerConfig{
			Scheme:    "https",
			Host:      "google.com",
			Mirrors:   []string{"mt0", "mt1", "mt2", "mt3"},
			Layer:     "s",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 0,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from TILEGRAB_* environment variables.
// Malformed numbers and durations are returned as errors.
func (c *Config) LoadFromEnv() error {
	var errs []error

	if dir := os.Getenv(envPrefix + "OUTPUT_DIR"); dir != "" {
		c.Output.Directory = dir
	}
	if v := os.Getenv(envPrefix + "RESET_PROGRESS"); v != "" {
		c.Output.ResetProgress = strings.EqualFold(v, "true") || v == "1"
	}

	envInt := func(name string, dst *int) {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s%s: %w", envPrefix, name, err))
			return
		}
		*dst = n
	}
	envDuration := func(name string, dst *time.Duration) {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s%s: %w", envPrefix, name, err))
			return
		}
		*dst = d
	}
	envFloat := func(name string, dst *float64) {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s%s: %w", envPrefix, name, err))
			return
		}
		*dst = f
	}

	envInt("MIN_ZOOM", &c.Download.MinZoom)
	envInt("MAX_ZOOM", &c.Download.MaxZoom)
	envInt("CONCURRENCY", &c.Download.Concurrency)
	envDuration("REQUEST_TIMEOUT", &c.Download.RequestTimeout)
	envDuration("SHUTDOWN_GRACE", &c.Download.ShutdownGrace)
	envInt("REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute)

	envFloat("NORTH", &c.Region.North)
	envFloat("SOUTH", &c.Region.South)
	envFloat("EAST", &c.Region.East)
	envFloat("WEST", &c.Region.West)

	if host := os.Getenv(envPrefix + "TILE_HOST"); host != "" {
		c.Server.Host = host
	}
	if mirrors := os.Getenv(envPrefix + "MIRRORS"); mirrors != "" {
		c.Server.Mirrors = splitList(mirrors)
	}
	if userAgent := os.Getenv(envPrefix + "USER_AGENT"); userAgent != "" {
		c.Server.UserAgent = userAgent
	}
	if baseURL := os.Getenv(envPrefix + "BASE_URL"); baseURL != "" {
		c.Server.BaseURL = baseURL
	}

	if logLevel := os.Getenv(envPrefix + "LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile := os.Getenv(envPrefix + "LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		"tilegrab.yaml",
		"tilegrab.yml",
		".tilegrab.yaml",
		filepath.Join(home, ".config", "tilegrab", "config.yaml"),
		filepath.Join(home, ".config", "tilegrab", "config.yml"),
		filepath.Join(home, ".tilegrab.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Output.Directory) == "" {
		errs = append(errs, errors.New("output directory is required"))
	}

	d := c.Download
	if d.MinZoom < MinZoomLimit || d.MinZoom > MaxZoomLimit {
		errs = append(errs, fmt.Errorf("min zoom %d outside %d-%d", d.MinZoom, MinZoomLimit, MaxZoomLimit))
	}
	if d.MaxZoom < MinZoomLimit || d.MaxZoom > MaxZoomLimit {
		errs = append(errs, fmt.Errorf("max zoom %d outside %d-%d", d.MaxZoom, MinZoomLimit, MaxZoomLimit))
	}
	if d.MinZoom > d.MaxZoom {
		errs = append(errs, fmt.Errorf("min zoom %d is greater than max zoom %d", d.MinZoom, d.MaxZoom))
	}
	if d.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if d.Concurrency > MaxConcurrency {
		errs = append(errs, fmt.Errorf("concurrency should not exceed %d", MaxConcurrency))
	}
	if d.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if d.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown grace cannot be negative"))
	}

	if err := c.Region.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("region: %w", err))
	}

	if c.Server.BaseURL == "" {
		if c.Server.Host == "" {
			errs = append(errs, errors.New("tile server host is required"))
		}
		if c.Server.Scheme != "http" && c.Server.Scheme != "https" {
			errs = append(errs, fmt.Errorf("unsupported scheme %q", c.Server.Scheme))
		}
	}
	for i, m := range c.Server.Mirrors {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Errorf("mirror %d is empty", i))
		}
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests per minute cannot be negative"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "disabled": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Only keys present in flags are applied.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["output"].(string); ok && v != "" {
		c.Output.Directory = v
	}
	if v, ok := flags["reset"].(bool); ok {
		c.Output.ResetProgress = v
	}
	if v, ok := flags["min-zoom"].(int); ok {
		c.Download.MinZoom = v
	}
	if v, ok := flags["max-zoom"].(int); ok {
		c.Download.MaxZoom = v
	}
	if v, ok := flags["concurrency"].(int); ok {
		c.Download.Concurrency = v
	}
	if v, ok := flags["timeout"].(time.Duration); ok {
		c.Download.RequestTimeout = v
	}
	if v, ok := flags["grace"].(time.Duration); ok {
		c.Download.ShutdownGrace = v
	}
	if v, ok := flags["rate-limit"].(int); ok {
		c.RateLimit.RequestsPerMinute = v
	}
	if v, ok := flags["north"].(float64); ok {
		c.Region.North = v
	}
	if v, ok := flags["south"].(float64); ok {
		c.Region.South = v
	}
	if v, ok := flags["east"].(float64); ok {
		c.Region.East = v
	}
	if v, ok := flags["west"].(float64); ok {
		c.Region.West = v
	}
	if v, ok := flags["base-url"].(string); ok && v != "" {
		c.Server.BaseURL = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := flags["log-file"].(string); ok && v != "" {
		c.Logging.File = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// .env files are optional
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".tilegrab.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
