package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// URLs holds the two addresses of a feed: the machine-readable ICS
// endpoint and the human-facing web page.
type URLs struct {
	ICS string `yaml:"ics" json:"ics"`
	Web string `yaml:"web" json:"web"`
}

// SourceConfig describes a single calendar feed in the registry.
type SourceConfig struct {
	URLs     URLs   `yaml:"urls" json:"urls"`
	Category string `yaml:"category" json:"category"`
}

// FeedSource is the read-only registry entry handed to the pipeline.
type FeedSource struct {
	ID       string
	ICSURL   string
	WebURL   string
	Category string
}

// FetchConfig tunes the HTTP side of feed retrieval.
type FetchConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxConcurrency int    `yaml:"max_concurrency" json:"max_concurrency"`
	UserAgent      string `yaml:"user_agent" json:"user_agent"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// ParserConfig carries the settings bundle for recurrence expansion.
type ParserConfig struct {
	// DefaultSpanYears bounds expansion of open-ended rules.
	DefaultSpanYears int `yaml:"default_span_years" json:"default_span_years"`
	// DefaultTimezone is applied to floating (zone-less) times.
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`
	// DefaultWeekStart is used when an RRULE carries no WKST (MO, SU, ...).
	DefaultWeekStart          string `yaml:"default_week_start" json:"default_week_start"`
	SkipRecurrence            bool   `yaml:"skip_recurrence" json:"skip_recurrence"`
	ReplaceWindowsTimezoneIDs bool   `yaml:"replace_windows_timezone_ids" json:"replace_windows_timezone_ids"`
	// FilterDaysBefore / FilterDaysAfter widen the window around now.
	// Zero keeps the default window [now, now+span].
	FilterDaysBefore       int `yaml:"filter_days_before" json:"filter_days_before"`
	FilterDaysAfter        int `yaml:"filter_days_after" json:"filter_days_after"`
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`
}

// RateLimitConfig limits requests to the event endpoint. Zero disables.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Route is the path that activates the aggregated events handler.
	Route string `yaml:"route" json:"route"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// StrictSource makes an unknown ?source= a 404. When false the
	// request falls back to aggregating every feed.
	StrictSource bool `yaml:"strict_source" json:"strict_source"`

	// Metrics exposes /metrics.
	Metrics bool `yaml:"metrics" json:"metrics"`

	// Probe is a cron spec for the background feed reachability probe.
	// Empty disables it.
	Probe string `yaml:"probe" json:"probe"`

	Fetch     FetchConfig     `yaml:"fetch" json:"fetch"`
	Parser    ParserConfig    `yaml:"parser" json:"parser"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Sources maps a source key to its feed definition.
	Sources map[string]SourceConfig `yaml:"sources" json:"sources"`
}

// envOverrides are read from CALFEED_* variables and win over the file.
type envOverrides struct {
	Listen   string `envconfig:"LISTEN"`
	Route    string `envconfig:"ROUTE"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	Probe    string `envconfig:"PROBE"`
}

const envPrefix = "CALFEED"

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:       "127.0.0.1:8080",
		Route:        "/api/calendar",
		LogLevel:     "info",
		StrictSource: true,
		Sources:      map[string]SourceConfig{},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Route == "" {
		c.Route = "/api/calendar"
	}
	if !strings.HasPrefix(c.Route, "/") {
		c.Route = "/" + c.Route
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = 15
	}
	if c.Fetch.MaxConcurrency < 0 {
		c.Fetch.MaxConcurrency = 0
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "calfeed/0.1"
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 10 << 20
	}

	if c.Parser.DefaultSpanYears <= 0 {
		c.Parser.DefaultSpanYears = 2
	}
	if c.Parser.DefaultTimezone == "" {
		c.Parser.DefaultTimezone = "UTC"
	}
	switch strings.ToUpper(c.Parser.DefaultWeekStart) {
	case "MO", "TU", "WE", "TH", "FR", "SA", "SU":
		c.Parser.DefaultWeekStart = strings.ToUpper(c.Parser.DefaultWeekStart)
	default:
		c.Parser.DefaultWeekStart = "MO"
	}
	if c.Parser.FilterDaysBefore < 0 {
		c.Parser.FilterDaysBefore = 0
	}
	if c.Parser.FilterDaysAfter < 0 {
		c.Parser.FilterDaysAfter = 0
	}
	if c.Parser.MaxOccurrencesPerEvent <= 0 {
		c.Parser.MaxOccurrencesPerEvent = 5000
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		c.RateLimit.RequestsPerSecond = 0
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}

	if c.Sources == nil {
		c.Sources = map[string]SourceConfig{}
	}
}

// Validate reports registry entries that cannot be fetched.
func (c *Config) Validate() error {
	var bad []string
	for id, s := range c.Sources {
		if strings.TrimSpace(s.URLs.ICS) == "" {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("sources without urls.ics: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Registry returns the configured feeds ordered by source key.
func (c *Config) Registry() []FeedSource {
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]FeedSource, 0, len(ids))
	for _, id := range ids {
		s := c.Sources[id]
		out = append(out, FeedSource{
			ID:       id,
			ICSURL:   s.URLs.ICS,
			WebURL:   s.URLs.Web,
			Category: s.Category,
		})
	}
	return out
}

// ApplyEnv overlays CALFEED_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var ov envOverrides
	if err := envconfig.Process(envPrefix, &ov); err != nil {
		return fmt.Errorf("failed to process environment variables: %w", err)
	}
	if ov.Listen != "" {
		c.Listen = ov.Listen
	}
	if ov.Route != "" {
		c.Route = ov.Route
	}
	if ov.LogLevel != "" {
		c.LogLevel = ov.LogLevel
	}
	if ov.Probe != "" {
		c.Probe = ov.Probe
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, cfg.ApplyEnv()
		}
		return nil, err
	}

	cfg := Config{StrictSource: true}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
