package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration
type Config struct {
	Version    int              `toml:"version"`
	Matching   MatchingConfig   `toml:"matching"`
	Scoring    ScoringConfig    `toml:"scoring"`
	Conviction ConvictionConfig `toml:"conviction"`
	Synthesis  SynthesisConfig  `toml:"synthesis"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
}

type MatchingConfig struct {
	// SimilarityThreshold is the minimum combined similarity for an item
	// to join an existing theme.
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	// RecencyWindowDays excludes themes with no new evidence for this
	// many days from auto-matching.
	RecencyWindowDays int `toml:"recency_window_days"`
}

type ScoringConfig struct {
	CoreThreshold int `toml:"core_threshold"`
	// HybridThreshold is the score at least one hybrid pillar must reach.
	HybridThreshold int `toml:"hybrid_threshold"`
}

type ConvictionConfig struct {
	// BaseRate is the learning-rate numerator; the effective rate for a
	// theme with n prior items is base/(1+n).
	BaseRate float64 `toml:"base_rate"`
	// IntervalWidth is the half-width numerator; a theme with n items
	// shows an interval of width/sqrt(n+1).
	IntervalWidth float64 `toml:"interval_width"`
	// BiasWindow is how many trailing items vote on the dominant bias
	// for contradiction detection.
	BiasWindow int `toml:"bias_window"`
	// SourceWeights are per-source reliability multipliers (default 1.0).
	SourceWeights map[string]float64 `toml:"source_weights"`
}

type SynthesisConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
	// MaxTokens bounds each Stage 1 generation call.
	MaxTokens int `toml:"max_tokens"`
	// Takeaways caps the executive key-takeaway list.
	Takeaways      int `toml:"takeaways"`
	RetryAttempts  int `toml:"retry_attempts"`
	TimeoutSeconds int `toml:"timeout_seconds"`
	// MaxItemsPerSource caps Tier 3 entries per source breakdown.
	MaxItemsPerSource int `toml:"max_items_per_source"`
}

type ScheduleConfig struct {
	MorningTime string `toml:"morning_time"`
	EveningTime string `toml:"evening_time"`
	Timezone    string `toml:"timezone"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type StorageConfig struct {
	// DBPath overrides the default database location when non-empty.
	DBPath string `toml:"db_path"`
	// SpoolDir is the inbox directory scheduled batches drain.
	SpoolDir string `toml:"spool_dir"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Version: 1,
		Matching: MatchingConfig{
			SimilarityThreshold: 0.2,
			RecencyWindowDays:   90,
		},
		Scoring: ScoringConfig{
			CoreThreshold:   6,
			HybridThreshold: 2,
		},
		Conviction: ConvictionConfig{
			BaseRate:      0.2,
			IntervalWidth: 0.5,
			BiasWindow:    5,
			SourceWeights: map[string]float64{},
		},
		Synthesis: SynthesisConfig{
			Provider:          "anthropic",
			Model:             "claude-sonnet-4-20250514",
			MaxTokens:         2048,
			Takeaways:         5,
			RetryAttempts:     3,
			TimeoutSeconds:    60,
			MaxItemsPerSource: 10,
		},
		Schedule: ScheduleConfig{
			MorningTime: "06:00",
			EveningTime: "18:00",
			Timezone:    "America/New_York",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8087",
		},
	}
}

// SourceWeight returns the reliability multiplier for a source, 1.0 if
// unconfigured.
func (c ConvictionConfig) SourceWeight(source string) float64 {
	if w, ok := c.SourceWeights[source]; ok && w > 0 {
		return w
	}
	return 1.0
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "confluence"), nil
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the directory holding the database and spool.
func DataDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// DBPath resolves the database file location.
func (c *Config) DBPath() (string, error) {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "confluence.db"), nil
}

// SpoolDir resolves the ingestion inbox directory.
func (c *Config) SpoolDir() (string, error) {
	if c.Storage.SpoolDir != "" {
		return c.Storage.SpoolDir, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "spool"), nil
}

// Load reads config from disk
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes config to disk
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	path, err := ConfigPath()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
