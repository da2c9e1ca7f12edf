// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	HTTP() HTTPConfig
	Scope() ScopeConfig
	Audit() AuditConfig
	Browser() BrowserConfig
	Timeout() TimeoutConfig
	Snapshot() SnapshotConfig
	Database() DatabaseConfig
	Metrics() MetricsConfig

	// Scope Setters
	SetScopePageLimit(int)
	SetScopeDOMDepthLimit(int)
	SetScopeIncludeSubdomains(bool)
	SetScopePassiveDiscovery(bool)

	// HTTP Setters
	SetHTTPConcurrency(int)

	// Audit Setters
	SetAuditChecks([]string)

	// Browser Setters
	SetBrowserEnabled(bool)

	// Snapshot Setters
	SetSnapshotPath(string)
}

// Config holds the entire application configuration.
// Sections are exported so viper can unmarshal into them; consumers should go
// through the Interface getters.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	HTTPCfg     HTTPConfig     `mapstructure:"http" yaml:"http"`
	ScopeCfg    ScopeConfig    `mapstructure:"scope" yaml:"scope"`
	AuditCfg    AuditConfig    `mapstructure:"audit" yaml:"audit"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	TimeoutCfg  TimeoutConfig  `mapstructure:"timeout" yaml:"timeout"`
	SnapshotCfg SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) HTTP() HTTPConfig         { return c.HTTPCfg }
func (c *Config) Scope() ScopeConfig       { return c.ScopeCfg }
func (c *Config) Audit() AuditConfig       { return c.AuditCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Timeout() TimeoutConfig   { return c.TimeoutCfg }
func (c *Config) Snapshot() SnapshotConfig { return c.SnapshotCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetScopePageLimit(n int)           { c.ScopeCfg.PageLimit = n }
func (c *Config) SetScopeDOMDepthLimit(n int)       { c.ScopeCfg.DOMDepthLimit = n }
func (c *Config) SetScopeIncludeSubdomains(b bool)  { c.ScopeCfg.IncludeSubdomains = b }
func (c *Config) SetScopePassiveDiscovery(b bool)   { c.ScopeCfg.PassiveDiscovery = b }
func (c *Config) SetHTTPConcurrency(n int)          { c.HTTPCfg.Concurrency = n }
func (c *Config) SetAuditChecks(checks []string)    { c.AuditCfg.Checks = checks }
func (c *Config) SetBrowserEnabled(b bool)          { c.BrowserCfg.Enabled = b }
func (c *Config) SetSnapshotPath(path string)       { c.SnapshotCfg.Path = path }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names used for each log level on the console.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// HTTPConfig configures the asynchronous request pipeline used by the auditors.
type HTTPConfig struct {
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	// ResponseMaxSize caps downloaded bodies; negative means unlimited.
	ResponseMaxSize int64 `mapstructure:"response_max_size" yaml:"response_max_size"`
	IgnoreTLSErrors bool  `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// ScopeConfig defines what the scan is allowed to touch.
type ScopeConfig struct {
	IncludeSubdomains   bool     `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	PageLimit           int      `mapstructure:"page_limit" yaml:"page_limit"`
	DOMDepthLimit       int      `mapstructure:"dom_depth_limit" yaml:"dom_depth_limit"`
	DirectoryDepthLimit int      `mapstructure:"directory_depth_limit" yaml:"directory_depth_limit"`
	IncludePatterns     []string `mapstructure:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns     []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
	ExtendPaths         []string `mapstructure:"extend_paths" yaml:"extend_paths"`
	RestrictPaths       []string `mapstructure:"restrict_paths" yaml:"restrict_paths"`
	// Redundant maps a URL pattern to how many matching pages may be audited.
	Redundant map[string]int `mapstructure:"redundant" yaml:"redundant"`
	// PassiveDiscovery seeds the crawl with robots.txt and sitemap URLs.
	PassiveDiscovery  bool `mapstructure:"passive_discovery" yaml:"passive_discovery"`
	DiscoveryURLLimit int  `mapstructure:"discovery_url_limit" yaml:"discovery_url_limit"`
}

// AuditConfig selects what gets audited and with which checks.
type AuditConfig struct {
	Elements            []string `mapstructure:"elements" yaml:"elements"`
	Checks              []string `mapstructure:"checks" yaml:"checks"`
	LinkTemplates       []string `mapstructure:"link_templates" yaml:"link_templates"`
	WithBothHTTPMethods bool     `mapstructure:"with_both_http_methods" yaml:"with_both_http_methods"`
	ParameterNames      bool     `mapstructure:"parameter_names" yaml:"parameter_names"`
}

// BrowserConfig holds settings for the DOM exploration pool.
type BrowserConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	PoolSize         int           `mapstructure:"pool_size" yaml:"pool_size"`
	JobTimeout       time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	Headless         bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath         string        `mapstructure:"exec_path" yaml:"exec_path"`
	MaxEventTriggers int           `mapstructure:"max_event_triggers" yaml:"max_event_triggers"`
}

// TimeoutConfig tunes the timing-attack analyzer.
type TimeoutConfig struct {
	Deduplicate bool `mapstructure:"deduplicate" yaml:"deduplicate"`
}

// SnapshotConfig controls where suspended scans are written.
type SnapshotConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// validElementKinds mirrors the element kinds the auditors understand.
var validElementKinds = map[string]bool{
	"link": true, "form": true, "cookie": true, "header": true, "json": true, "xml": true,
}

// NewDefaultConfig creates a configuration populated with the default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// SetDefaults registers every default value on the provided viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-audit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- HTTP --
	v.SetDefault("http.concurrency", 20)
	v.SetDefault("http.request_timeout", "20s")
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.user_agent", "scalpel-audit")
	v.SetDefault("http.response_max_size", 500000)
	v.SetDefault("http.ignore_tls_errors", false)

	// -- Scope --
	v.SetDefault("scope.include_subdomains", false)
	v.SetDefault("scope.page_limit", 0)
	v.SetDefault("scope.dom_depth_limit", 4)
	v.SetDefault("scope.directory_depth_limit", 10)
	v.SetDefault("scope.passive_discovery", false)
	v.SetDefault("scope.discovery_url_limit", 1000)

	// -- Audit --
	v.SetDefault("audit.elements", []string{"link", "form", "cookie", "header", "json", "xml"})
	v.SetDefault("audit.checks", []string{"*"})
	v.SetDefault("audit.with_both_http_methods", false)
	v.SetDefault("audit.parameter_names", false)

	// -- Browser --
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.pool_size", 4)
	v.SetDefault("browser.job_timeout", "60s")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_event_triggers", 20)

	// -- Timeout --
	v.SetDefault("timeout.deduplicate", true)

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", "127.0.0.1:9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The database URL usually carries credentials, keep it env-friendly.
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// Everything caught here would otherwise surface mid-scan, so it runs before
// any request is made.
func (c *Config) Validate() error {
	if c.HTTPCfg.Concurrency <= 0 {
		return fmt.Errorf("http.concurrency must be a positive integer")
	}
	if c.HTTPCfg.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be positive")
	}
	if c.HTTPCfg.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second cannot be negative")
	}
	if c.ScopeCfg.PageLimit < 0 {
		return fmt.Errorf("scope.page_limit cannot be negative")
	}
	if c.ScopeCfg.DOMDepthLimit < 0 {
		return fmt.Errorf("scope.dom_depth_limit cannot be negative")
	}
	if c.ScopeCfg.DiscoveryURLLimit < 0 {
		return fmt.Errorf("scope.discovery_url_limit cannot be negative")
	}
	if c.BrowserCfg.Enabled && c.BrowserCfg.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be a positive integer")
	}
	if err := compileAll("scope.include_patterns", c.ScopeCfg.IncludePatterns); err != nil {
		return err
	}
	if err := compileAll("scope.exclude_patterns", c.ScopeCfg.ExcludePatterns); err != nil {
		return err
	}
	for p, n := range c.ScopeCfg.Redundant {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("scope.redundant: invalid pattern %q: %w", p, err)
		}
		if n < 0 {
			return fmt.Errorf("scope.redundant: count for %q cannot be negative", p)
		}
	}
	if err := compileAll("audit.link_templates", c.AuditCfg.LinkTemplates); err != nil {
		return err
	}
	for _, kind := range c.AuditCfg.Elements {
		if !validElementKinds[kind] {
			return fmt.Errorf("audit.elements: unknown element kind %q", kind)
		}
	}
	return nil
}

func compileAll(key string, patterns []string) error {
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", key, p, err)
		}
	}
	return nil
}
