// ABOUTME: Configuration loading and parsing for the seance daemon
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Status interval bounds. The reporter edits a chat message in place, so
// faster than 5s hammers platform rate limits and slower than 10s reads as
// a hang.
const (
	MinStatusInterval     = 5 * time.Second
	MaxStatusInterval     = 10 * time.Second
	DefaultStatusInterval = 7 * time.Second
)

// Config represents the complete seance daemon configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Routing   RoutingConfig   `yaml:"routing"`
	Backends  BackendsConfig  `yaml:"backends"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Status    StatusConfig    `yaml:"status"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds session store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RoutingConfig holds routing table configuration
type RoutingConfig struct {
	Path           string `yaml:"path"`
	DefaultBackend string `yaml:"default_backend"`
}

// BackendsConfig points at the backend launch profiles file
type BackendsConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig holds the working-directory policy
type WorkspaceConfig struct {
	// DefaultDir is the deployment default working directory. Empty means
	// the process working directory.
	DefaultDir string `yaml:"default_dir"`

	// Overrides maps a settings key (channel or user id) to a custom
	// working directory for that scope.
	Overrides map[string]string `yaml:"overrides"`
}

// StatusConfig holds the status reporter policy
type StatusConfig struct {
	Interval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IntervalRaw string `yaml:"interval"`

	// FinalizeByDelete removes the status message on completion instead of
	// editing it one last time.
	FinalizeByDelete bool `yaml:"finalize_by_delete"`

	// FinalText is the text of the final edit. Ignored when finalizing by
	// delete.
	FinalText string `yaml:"final_text"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Backends.Path == "" {
		return fmt.Errorf("backends.path is required")
	}

	if c.Status.Interval < MinStatusInterval || c.Status.Interval > MaxStatusInterval {
		return fmt.Errorf("status.interval must be between %s and %s, got %s",
			MinStatusInterval, MaxStatusInterval, c.Status.Interval)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Status.IntervalRaw != "" {
		cfg.Status.Interval, err = time.ParseDuration(cfg.Status.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing status.interval %q: %w", cfg.Status.IntervalRaw, err)
		}
	} else {
		cfg.Status.Interval = DefaultStatusInterval
	}

	return nil
}
