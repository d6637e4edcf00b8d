package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	homedir "github.com/mitchellh/go-homedir"
)

const (
	DefaultPollInterval = 2 * time.Minute
	DefaultListen       = ":8080"
	DefaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
)

var validate = validator.New()

// Config holds application configuration.
type Config struct {
	DBPath            string          `toml:"db_path" validate:"required"`
	LockPath          string          `toml:"lock_path"`
	Listen            string          `toml:"listen"`
	WebhookSecret     string          `toml:"webhook_secret"`
	PollInterval      time.Duration   `toml:"poll_interval" validate:"gt=0"`
	LogLevel          string          `toml:"log_level" validate:"oneof=debug info warn warning error"`
	AbortOnFetchError bool            `toml:"abort_on_fetch_error"`
	Handlers          HandlersConfig  `toml:"handlers"`
	Embedding         EmbeddingConfig `toml:"embedding"`
	Sites             []SiteConfig    `toml:"sites" validate:"dive"`
}

// HandlerConfig toggles and sizes one registered handler.
type HandlerConfig struct {
	Enabled  *bool `toml:"enabled"`
	MaxItems int   `toml:"max_items" validate:"gte=0"`
}

// IsEnabled returns the configured flag or def when unset.
func (h HandlerConfig) IsEnabled(def bool) bool {
	if h.Enabled == nil {
		return def
	}
	return *h.Enabled
}

// MaxItemsOr returns the configured per-cycle maximum or def when unset.
func (h HandlerConfig) MaxItemsOr(def int) int {
	if h.MaxItems <= 0 {
		return def
	}
	return h.MaxItems
}

// HandlersConfig holds per-handler settings keyed by handler name.
type HandlersConfig struct {
	ScrapeBatch  HandlerConfig `toml:"scrape_batch"`
	Vectorize    HandlerConfig `toml:"vectorize"`
	CookieExpiry HandlerConfig `toml:"cookie_expiry"`
}

// EmbeddingConfig points at the image embedding service.
type EmbeddingConfig struct {
	BaseURL string        `toml:"base_url" validate:"omitempty,url"`
	Model   string        `toml:"model"`
	Timeout time.Duration `toml:"timeout"`
	// MaxAttempts bounds failed embedding attempts per image.
	MaxAttempts int `toml:"max_attempts" validate:"gte=0"`
}

// SiteConfig describes how to scrape one supplier site.
// URL templates may contain {page} (orders list) and {id} (order detail).
type SiteConfig struct {
	Name                  string            `toml:"name" validate:"required"`
	BaseURL               string            `toml:"base_url" validate:"required,url"`
	UserAgent             string            `toml:"user_agent"`
	Headers               map[string]string `toml:"headers"`
	RequestDelay          time.Duration     `toml:"request_delay" validate:"gte=0"`
	MaxConcurrentRequests int               `toml:"max_concurrent_requests" validate:"gte=0"`
	Timeout               time.Duration     `toml:"timeout" validate:"gte=0"`
	RetryMax              int               `toml:"retry_max" validate:"gte=0"`
	OrdersListURL         string            `toml:"orders_list_url" validate:"required"`
	OrderDetailURL        string            `toml:"order_detail_url" validate:"required,contains={id}"`
	MaxPages              int               `toml:"max_pages" validate:"gte=0"`
	Format                string            `toml:"format" validate:"omitempty,oneof=html json"`
	HTML                  HTMLSelectors     `toml:"html"`
	JSON                  JSONPaths         `toml:"json"`
}

// HTMLSelectors are goquery selectors for HTML order pages.
type HTMLSelectors struct {
	OrderLink      string            `toml:"order_link"`
	OrderIDAttr    string            `toml:"order_id_attr"`
	OrderIDPattern string            `toml:"order_id_pattern"`
	NextPage       string            `toml:"next_page"`
	Fields         map[string]string `toml:"fields"`
	ItemRow        string            `toml:"item_row"`
	ItemName       string            `toml:"item_name"`
	ItemSKU        string            `toml:"item_sku"`
	ItemQuantity   string            `toml:"item_quantity"`
	ItemPrice      string            `toml:"item_price"`
	ItemLink       string            `toml:"item_link"`
	ItemImage      string            `toml:"item_image"`
}

// JSONPaths are gjson paths for JSON order pages. When Embedded is set the
// page is HTML and the JSON document is the text of the matching element.
type JSONPaths struct {
	Embedded     string            `toml:"embedded"`
	OrderIDs     string            `toml:"order_ids"`
	NextPage     string            `toml:"next_page"`
	Fields       map[string]string `toml:"fields"`
	Items        string            `toml:"items"`
	ItemName     string            `toml:"item_name"`
	ItemSKU      string            `toml:"item_sku"`
	ItemQuantity string            `toml:"item_quantity"`
	ItemPrice    string            `toml:"item_price"`
	ItemLink     string            `toml:"item_link"`
	ItemImage    string            `toml:"item_image"`
}

// ApplyDefaults fills unset scraping parameters.
func (s *SiteConfig) ApplyDefaults() {
	if s.UserAgent == "" {
		s.UserAgent = DefaultUserAgent
	}
	if s.MaxConcurrentRequests == 0 {
		s.MaxConcurrentRequests = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.RetryMax == 0 {
		s.RetryMax = 2
	}
	if s.MaxPages == 0 {
		s.MaxPages = 50
	}
	if s.Format == "" {
		s.Format = "html"
	}
	if s.HTML.OrderIDAttr == "" {
		s.HTML.OrderIDAttr = "href"
	}
}

// DefaultDBPath returns the default database path using XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "intake", "intake.db")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "intake", "config.toml")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DBPath:       DefaultDBPath(),
		Listen:       DefaultListen,
		PollInterval: DefaultPollInterval,
		LogLevel:     "info",
		Embedding: EmbeddingConfig{
			Model:       "clip",
			Timeout:     time.Minute,
			MaxAttempts: 3,
		},
	}
}

// Load builds Config from defaults, the TOML file at path and INTAKE_*
// environment overrides. An empty path reads DefaultConfigPath if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	path = ExpandPath(path)

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.DBPath = ExpandPath(cfg.DBPath)
	if cfg.LockPath == "" {
		cfg.LockPath = cfg.DBPath + ".lock"
	}
	cfg.LockPath = ExpandPath(cfg.LockPath)
	for i := range cfg.Sites {
		cfg.Sites[i].ApplyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if db := os.Getenv("INTAKE_DB"); db != "" {
		cfg.DBPath = db
	}
	if listen := os.Getenv("INTAKE_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if level := os.Getenv("INTAKE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if secret := os.Getenv("INTAKE_WEBHOOK_SECRET"); secret != "" {
		cfg.WebhookSecret = secret
	}
	if interval := os.Getenv("INTAKE_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("INTAKE_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	return nil
}

// Validate checks field constraints and that site names are unique.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Sites))
	for _, s := range c.Sites {
		if seen[s.Name] {
			return fmt.Errorf("invalid config: duplicate site %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
