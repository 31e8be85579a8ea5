// Package config loads foliosync configuration from file, environment,
// and defaults.
//
// Configuration is read from foliosync.yaml in the working directory or
// ~/.config/foliosync, with FOLIOSYNC_* environment variables taking
// precedence over the file. All tunables default to values that are
// safe against the public rate limits of hosted Git APIs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the engine.
type Config struct {
	// Remote identifies the repository the engine persists into.
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`

	// Quota configures the admission gate and request queue.
	Quota QuotaConfig `mapstructure:"quota" yaml:"quota"`

	// Retry configures backoff for transient failures.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Autosave configures the persistence scheduler.
	Autosave AutosaveConfig `mapstructure:"autosave" yaml:"autosave"`

	// Drafts configures local draft storage and watching.
	Drafts DraftsConfig `mapstructure:"drafts" yaml:"drafts"`

	// Dashboard configures the status server.
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`

	// LogFile is the rotating daemon log path. Empty logs to stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// RemoteConfig identifies the target repository.
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Owner   string `mapstructure:"owner" yaml:"owner"`
	Repo    string `mapstructure:"repo" yaml:"repo"`
	Branch  string `mapstructure:"branch" yaml:"branch"`
	// Token is the API token. Prefer the FOLIOSYNC_REMOTE_TOKEN
	// environment variable over putting it in the file.
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

// QuotaConfig tunes the admission gate and queue.
type QuotaConfig struct {
	WarningThreshold int           `mapstructure:"warning_threshold" yaml:"warning_threshold"`
	PauseThreshold   int           `mapstructure:"pause_threshold" yaml:"pause_threshold"`
	MaxQueueSize     int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	QueueTimeout     time.Duration `mapstructure:"queue_timeout" yaml:"queue_timeout"`
	Spacing          time.Duration `mapstructure:"spacing" yaml:"spacing"`
}

// RetryConfig tunes the retry policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	JitterFraction float64       `mapstructure:"jitter_fraction" yaml:"jitter_fraction"`
}

// AutosaveConfig tunes the persistence scheduler.
type AutosaveConfig struct {
	Debounce        time.Duration `mapstructure:"debounce" yaml:"debounce"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	DetectConflicts bool          `mapstructure:"detect_conflicts" yaml:"detect_conflicts"`
	// PollInterval is how often the daemon probes connectivity and
	// remote movement.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// DraftsConfig tunes local draft storage.
type DraftsConfig struct {
	// Dir is the watched drafts directory.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// StorePath is the local draft database path.
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
}

// DashboardConfig tunes the status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// Load reads configuration from the given file (empty uses the search
// path), environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOLIOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("foliosync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/foliosync")
		}
		if err := v.ReadInConfig(); err != nil {
			// Running on pure defaults and environment is fine.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the configuration that have no sensible
// defaults.
func (c *Config) Validate() error {
	if c.Remote.Owner == "" || c.Remote.Repo == "" {
		return fmt.Errorf("remote.owner and remote.repo are required")
	}
	if c.Quota.PauseThreshold >= c.Quota.WarningThreshold {
		return fmt.Errorf("quota.pause_threshold (%d) must be below quota.warning_threshold (%d)",
			c.Quota.PauseThreshold, c.Quota.WarningThreshold)
	}
	return nil
}

// WriteDefault writes a commented starter configuration to path.
func WriteDefault(path string) error {
	cfg := Config{
		Remote: RemoteConfig{
			BaseURL: "https://api.github.com",
			Branch:  "main",
		},
	}
	applyDefaults(&cfg)

	buf, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	header := "# foliosync configuration. Values may be overridden with\n# FOLIOSYNC_* environment variables.\n"
	if err := os.WriteFile(path, append([]byte(header), buf...), 0644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "https://api.github.com")
	v.SetDefault("remote.branch", "main")

	v.SetDefault("quota.warning_threshold", 100)
	v.SetDefault("quota.pause_threshold", 50)
	v.SetDefault("quota.max_queue_size", 100)
	v.SetDefault("quota.queue_timeout", 5*time.Minute)
	v.SetDefault("quota.spacing", 100*time.Millisecond)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("autosave.debounce", 2*time.Second)
	v.SetDefault("autosave.max_retries", 3)
	v.SetDefault("autosave.retry_delay", time.Second)
	v.SetDefault("autosave.detect_conflicts", true)
	v.SetDefault("autosave.poll_interval", 30*time.Second)

	v.SetDefault("drafts.dir", "drafts")
	v.SetDefault("drafts.store_path", ".foliosync/drafts.db")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 7343)
}

// applyDefaults mirrors setDefaults onto a struct, for WriteDefault.
func applyDefaults(cfg *Config) {
	cfg.Quota = QuotaConfig{
		WarningThreshold: 100,
		PauseThreshold:   50,
		MaxQueueSize:     100,
		QueueTimeout:     5 * time.Minute,
		Spacing:          100 * time.Millisecond,
	}
	cfg.Retry = RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.25,
	}
	cfg.Autosave = AutosaveConfig{
		Debounce:        2 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		DetectConflicts: true,
		PollInterval:    30 * time.Second,
	}
	cfg.Drafts = DraftsConfig{
		Dir:       "drafts",
		StorePath: ".foliosync/drafts.db",
	}
	cfg.Dashboard = DashboardConfig{
		Enabled: true,
		Port:    7343,
	}
}
