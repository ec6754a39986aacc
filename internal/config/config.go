package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"
)

var validHTMLXMLMimeTypes = []string{
	"text/html",
	"application/xhtml+xml",
	"text/xml",
	"application/xml",
	"application/rss+xml",
	"application/atom+xml",
}

var defaultMimeTypes = []string{
	"text/html",
	"application/xhtml+xml",
}

const (
	defaultRequestTimeout    = 30
	defaultMaxResponseSizeMB = 10
	defaultOutputDir         = "mirror"
	defaultConcurrency       = 4
	defaultUserAgent         = "intranet-archive"
	defaultRetries           = 3
	defaultRetryDelay        = 5
)

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// PluginConfig points at a link plugin built with -buildmode=plugin.
// Name is the exported symbol: either a func() linkplugin.Plugin or a
// linkplugin.Plugin variable. Args is handed to the plugin's Plug.
type PluginConfig struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type CrawlConfig struct {
	StartURL      string            `json:"start_url"`
	OutputDir     string            `json:"output_dir"`
	Depth         int               `json:"depth"`
	MaxPages      int               `json:"max_pages"`
	Concurrency   int               `json:"concurrency"`
	RatePerSecond float64           `json:"rate_per_second"`
	UserAgent     string            `json:"user_agent"`
	Headers       map[string]string `json:"headers"`
	Rules         []string          `json:"rules"`

	// Retries is how often a transient failure is retried; negative disables.
	Retries int `json:"retries"`
	// RetryDelaySeconds is the first backoff step; the n-th retry waits n steps.
	RetryDelaySeconds float64 `json:"retry_delay_seconds"`
}

// RetryDelay returns the backoff step as a duration.
func (c CrawlConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

type Config struct {
	BackendURL          string         `json:"backend_url"`
	Redis               RedisConfig    `json:"redis"`
	Plugins             []PluginConfig `json:"plugins"`
	StripParams         []string       `json:"strip_params"`
	DisableBuiltinStrip bool           `json:"disable_builtin_strip"`
	MimeTypes           []string       `json:"mime_types"`
	DropSrcset          bool           `json:"drop_srcset"`
	CookieDenylist      []string       `json:"cookie_denylist"`
	RequestTimeout      int            `json:"request_timeout"`
	MaxResponseSizeMB   int            `json:"max_response_size_mb"`
	HealthPort          int            `json:"health_port"`
	Crawl               CrawlConfig    `json:"crawl"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setDefaults(&config)

	return &config, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	config := &Config{}
	setDefaults(config)
	return config
}

func validateConfig(config *Config) error {
	for i, mimeType := range config.MimeTypes {
		if !slices.Contains(validHTMLXMLMimeTypes, mimeType) {
			return fmt.Errorf("mime_types[%d]: invalid MIME type '%s', must be one of: %s",
				i, mimeType, strings.Join(validHTMLXMLMimeTypes, ", "))
		}
	}

	for i, plugin := range config.Plugins {
		if plugin.Path == "" {
			return fmt.Errorf("plugins[%d]: path is required", i)
		}
		if plugin.Name == "" {
			return fmt.Errorf("plugins[%d]: name is required", i)
		}
	}

	if config.DisableBuiltinStrip && len(config.Plugins) == 0 {
		return fmt.Errorf("disable_builtin_strip requires at least one plugin")
	}

	if config.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if config.MaxResponseSizeMB < 0 {
		return fmt.Errorf("max_response_size_mb must not be negative")
	}
	if config.Crawl.Depth < 0 {
		return fmt.Errorf("crawl.depth must not be negative")
	}
	if config.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must not be negative")
	}
	if config.Crawl.RatePerSecond < 0 {
		return fmt.Errorf("crawl.rate_per_second must not be negative")
	}
	if config.Crawl.RetryDelaySeconds < 0 {
		return fmt.Errorf("crawl.retry_delay_seconds must not be negative")
	}

	for i, rule := range config.Crawl.Rules {
		if len(rule) < 2 || (rule[0] != '+' && rule[0] != '-') {
			return fmt.Errorf("crawl.rules[%d]: rule '%s' must start with '+' or '-'", i, rule)
		}
	}

	return nil
}

func setDefaults(config *Config) {
	if len(config.MimeTypes) == 0 {
		config.MimeTypes = slices.Clone(defaultMimeTypes)
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxResponseSizeMB == 0 {
		config.MaxResponseSizeMB = defaultMaxResponseSizeMB
	}
	if config.Crawl.OutputDir == "" {
		config.Crawl.OutputDir = defaultOutputDir
	}
	if config.Crawl.Concurrency <= 0 {
		config.Crawl.Concurrency = defaultConcurrency
	}
	if config.Crawl.UserAgent == "" {
		config.Crawl.UserAgent = defaultUserAgent
	}
	if config.Crawl.Retries == 0 {
		config.Crawl.Retries = defaultRetries
	}
	if config.Crawl.RetryDelaySeconds == 0 {
		config.Crawl.RetryDelaySeconds = defaultRetryDelay
	}
}

// ValidateServe checks the settings the proxy needs on top of Load's checks.
func (c *Config) ValidateServe() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if _, err := url.Parse(c.BackendURL); err != nil {
		return fmt.Errorf("invalid backend_url: %w", err)
	}
	return nil
}

// ValidateMirror checks the settings the crawler needs on top of Load's checks.
func (c *Config) ValidateMirror() error {
	if c.Crawl.StartURL == "" {
		return fmt.Errorf("crawl.start_url is required")
	}
	u, err := url.Parse(c.Crawl.StartURL)
	if err != nil {
		return fmt.Errorf("invalid crawl.start_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("crawl.start_url must be an absolute http(s) URL")
	}
	if c.Crawl.OutputDir == "" {
		return fmt.Errorf("crawl.output_dir is required")
	}
	return nil
}

func (c *Config) IsHTMLXMLMimeType(mimeType string) bool {
	return slices.Contains(c.MimeTypes, mimeType)
}

// MaxResponseSize returns the body size limit in bytes.
func (c *Config) MaxResponseSize() int64 {
	return int64(c.MaxResponseSizeMB) * 1024 * 1024
}
