// Package config loads the watcher configuration from a YAML file plus
// environment variables for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"telescope/internal/model"
	"telescope/internal/rules"
)

// Defaults applied when the config file omits a value.
const (
	DefaultDatabasePath   = "./data/telescope.db"
	DefaultLogLevel       = "info"
	DefaultSnippetChars   = 400
	DefaultTTLDays        = 30
	DefaultCatchUpLimit   = 50
	DefaultFeedIntervalMn = 30
)

// Source is one allow-listed chat source. Key is an effective or base
// source key in any recognized encoding.
type Source struct {
	Key     string `yaml:"key"`
	Alias   string `yaml:"alias"`
	Enabled *bool  `yaml:"enabled"`
}

// Rule is a declarative rule definition.
type Rule struct {
	Name            string   `yaml:"name"`
	Keywords        []string `yaml:"keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
	Regex           []string `yaml:"regex"`
	Enabled         *bool    `yaml:"enabled"`
}

// Dedup holds the content-dedup settings.
type Dedup struct {
	Mode        string `yaml:"mode"`
	OnlyOnMatch bool   `yaml:"only_on_match"`
	TTLDays     int    `yaml:"ttl_days"`
}

// CatchUp controls the startup reconciliation scan.
type CatchUp struct {
	Enabled        bool `yaml:"enabled"`
	PerSourceLimit int  `yaml:"per_source_limit"`
}

// Feed is an RSS feed watched as a supplementary source.
type Feed struct {
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// Notifications selects where match notifications are delivered.
type Notifications struct {
	BotChatID int64 `yaml:"bot_chat_id"`
}

// Config holds the application configuration.
type Config struct {
	DatabasePath  string        `yaml:"database_path"`
	LogLevel      string        `yaml:"log_level"`
	SnippetChars  int           `yaml:"snippet_chars"`
	Notifications Notifications `yaml:"notifications"`
	Sources       []Source      `yaml:"sources"`
	Rules         []Rule        `yaml:"rules"`
	Dedup         Dedup         `yaml:"dedup"`
	CatchUp       CatchUp       `yaml:"catch_up"`
	Feeds         []Feed        `yaml:"feeds"`

	BotToken string `yaml:"-"`
}

// Load reads and validates the configuration file at path. The bot token
// always comes from TELEGRAM_BOT_TOKEN, never from the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Config{
		DatabasePath: DefaultDatabasePath,
		LogLevel:     DefaultLogLevel,
		SnippetChars: DefaultSnippetChars,
		Dedup:        Dedup{Mode: string(model.DedupOff), TTLDays: DefaultTTLDays},
		CatchUp:      CatchUp{PerSourceLimit: DefaultCatchUpLimit},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SnippetChars < 1 {
		return fmt.Errorf("snippet_chars must be positive, got %d", c.SnippetChars)
	}
	if !model.DedupMode(c.Dedup.Mode).Valid() {
		return fmt.Errorf("dedup.mode must be off, per_source, or global, got %q", c.Dedup.Mode)
	}
	if c.Dedup.TTLDays < 1 {
		return fmt.Errorf("dedup.ttl_days must be positive, got %d", c.Dedup.TTLDays)
	}
	if c.CatchUp.PerSourceLimit < 1 {
		return fmt.Errorf("catch_up.per_source_limit must be positive, got %d", c.CatchUp.PerSourceLimit)
	}
	for i, src := range c.Sources {
		if src.Key == "" {
			return fmt.Errorf("sources[%d]: key is required", i)
		}
	}
	for i, feed := range c.Feeds {
		if feed.Name == "" || feed.URL == "" {
			return fmt.Errorf("feeds[%d]: name and url are required", i)
		}
		if feed.IntervalMinutes == 0 {
			c.Feeds[i].IntervalMinutes = DefaultFeedIntervalMn
		}
		if c.Feeds[i].IntervalMinutes < 1 {
			return fmt.Errorf("feeds[%d]: interval_minutes must be positive", i)
		}
	}
	return nil
}

// DedupConfig returns the dedup settings as the model type consumed by
// the pipeline.
func (c *Config) DedupConfig() model.DedupConfig {
	return model.DedupConfig{
		Mode:        model.DedupMode(c.Dedup.Mode),
		OnlyOnMatch: c.Dedup.OnlyOnMatch,
		TTLDays:     c.Dedup.TTLDays,
	}
}

// RuleDefinitions converts the configured rules into compiler input.
// A rule with no explicit enabled flag is enabled.
func (c *Config) RuleDefinitions() []rules.Definition {
	defs := make([]rules.Definition, 0, len(c.Rules))
	for _, r := range c.Rules {
		defs = append(defs, rules.Definition{
			Name:            r.Name,
			Keywords:        r.Keywords,
			ExcludeKeywords: r.ExcludeKeywords,
			Regex:           r.Regex,
			Enabled:         enabled(r.Enabled),
		})
	}
	return defs
}

// AllowedKeys returns the keys of all enabled sources plus one
// "feed:<name>" key per configured feed.
func (c *Config) AllowedKeys() []string {
	var keys []string
	for _, src := range c.Sources {
		if enabled(src.Enabled) {
			keys = append(keys, src.Key)
		}
	}
	for _, feed := range c.Feeds {
		keys = append(keys, "feed:"+feed.Name)
	}
	return keys
}

// Aliases returns the source-key to alias mapping for notification labels.
func (c *Config) Aliases() map[string]string {
	aliases := make(map[string]string)
	for _, src := range c.Sources {
		if src.Alias != "" {
			aliases[src.Key] = src.Alias
		}
	}
	return aliases
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}
