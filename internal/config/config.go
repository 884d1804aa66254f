// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Placeholder credentials used when none are configured. The remote rejects
// them, which surfaces the misconfiguration there instead of in this process.
const (
	PlaceholderUser = "NotSetUser"
	PlaceholderKey  = "NotSetKey"
)

// Config holds the entire application configuration.
type Config struct {
	Logger        LoggerConfig        `mapstructure:"logger" yaml:"logger"`
	ControlPlane  ControlPlaneConfig  `mapstructure:"control_plane" yaml:"control_plane"`
	Session       SessionConfig       `mapstructure:"session" yaml:"session"`
	Accessibility AccessibilityConfig `mapstructure:"accessibility" yaml:"accessibility"`
	Runner        RunnerConfig        `mapstructure:"runner" yaml:"runner"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry" yaml:"telemetry"`
	Visual        VisualConfig        `mapstructure:"visual" yaml:"visual"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
	Browser       BrowserConfig       `mapstructure:"browser" yaml:"browser"`
}

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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ControlPlaneConfig configures access to the remote session API.
type ControlPlaneConfig struct {
	User        string `mapstructure:"user" yaml:"user"`
	Key         string `mapstructure:"key" yaml:"-"`
	TurboScale  bool   `mapstructure:"turbo_scale" yaml:"turbo_scale"`
	AppAutomate bool   `mapstructure:"app_automate" yaml:"app_automate"`
	// Base URLs for the three session resource families.
	AutomateURL    string        `mapstructure:"automate_url" yaml:"automate_url"`
	AppAutomateURL string        `mapstructure:"app_automate_url" yaml:"app_automate_url"`
	TurboScaleURL  string        `mapstructure:"turbo_scale_url" yaml:"turbo_scale_url"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RateLimit is the number of requests per second allowed against the API. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// SessionConfig controls how remote sessions are named and finalized.
type SessionConfig struct {
	// Name is an explicit, user supplied session name. When set it always wins.
	Name                      string `mapstructure:"name" yaml:"name"`
	SetSessionName            bool   `mapstructure:"set_session_name" yaml:"set_session_name"`
	SetSessionStatus          bool   `mapstructure:"set_session_status" yaml:"set_session_status"`
	PreferScenarioName        bool   `mapstructure:"prefer_scenario_name" yaml:"prefer_scenario_name"`
	PrependTopLevelSuiteTitle bool   `mapstructure:"prepend_top_level_suite_title" yaml:"prepend_top_level_suite_title"`
	OmitTestTitle             bool   `mapstructure:"omit_test_title" yaml:"omit_test_title"`
}

// AccessibilityConfig controls accessibility scanning for the run.
type AccessibilityConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	IncludeTags    []string `mapstructure:"include_tags" yaml:"include_tags"`
	ExcludeTags    []string `mapstructure:"exclude_tags" yaml:"exclude_tags"`
	CommandsToWrap []string `mapstructure:"commands_to_wrap" yaml:"commands_to_wrap"`
	ScriptsFile    string   `mapstructure:"scripts_file" yaml:"scripts_file"`
}

// RunnerConfig describes the host test framework.
type RunnerConfig struct {
	Framework string `mapstructure:"framework" yaml:"framework"`
	// Strict mirrors the cucumber strict option, which makes pending steps fail a scenario.
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

// TelemetryConfig configures the event publisher.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// VisualConfig configures visual-diff snapshot capture.
type VisualConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	CaptureMode string `mapstructure:"capture_mode" yaml:"capture_mode"`
	ServerURL   string `mapstructure:"server_url" yaml:"server_url"`
}

// DatabaseConfig holds the database connection details for the status ledger.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// TracingConfig toggles span export to stdout.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// BrowserConfig holds settings for locally launched browsers.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "remotesuite")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Control Plane --
	v.SetDefault("control_plane.automate_url", "https://api.browserstack.com/automate/sessions")
	v.SetDefault("control_plane.app_automate_url", "https://api-cloud.browserstack.com/app-automate/sessions")
	v.SetDefault("control_plane.turbo_scale_url", "https://api.browserstack.com/automate-turboscale/v1/sessions")
	v.SetDefault("control_plane.timeout", "30s")
	v.SetDefault("control_plane.rate_limit", 5.0)
	v.SetDefault("control_plane.turbo_scale", false)

	// -- Session --
	v.SetDefault("session.set_session_name", true)
	v.SetDefault("session.set_session_status", true)
	v.SetDefault("session.prefer_scenario_name", false)

	// -- Accessibility --
	v.SetDefault("accessibility.enabled", false)

	// -- Runner --
	v.SetDefault("runner.framework", "mocha")

	// -- Telemetry --
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.subject", "remotesuite.events")

	// -- Visual --
	v.SetDefault("visual.enabled", false)
	v.SetDefault("visual.capture_mode", "auto")
	v.SetDefault("visual.server_url", "http://localhost:5338")

	// -- Metrics / Tracing --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")
	v.SetDefault("tracing.enabled", false)

	// -- Browser --
	v.SetDefault("browser.headless", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for credentials and provider switches.
	_ = v.BindEnv("control_plane.user", "BROWSERSTACK_USERNAME")
	_ = v.BindEnv("control_plane.key", "BROWSERSTACK_ACCESS_KEY")
	_ = v.BindEnv("control_plane.turbo_scale", "BROWSERSTACK_TURBOSCALE")
	_ = v.BindEnv("visual.enabled", "BROWSERSTACK_PERCY")
	_ = v.BindEnv("visual.capture_mode", "BROWSERSTACK_PERCY_CAPTURE_MODE")
	_ = v.BindEnv("database.url", "REMOTESUITE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.ApplyCredentialFallbacks()
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyCredentialFallbacks fills missing credentials with placeholders.
func (c *Config) ApplyCredentialFallbacks() {
	if c.ControlPlane.User == "" {
		c.ControlPlane.User = PlaceholderUser
	}
	if c.ControlPlane.Key == "" {
		c.ControlPlane.Key = PlaceholderKey
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Accessibility.ScriptsFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Runner.Framework) {
	case "mocha", "jasmine", "cucumber":
	default:
		return fmt.Errorf("runner.framework must be one of mocha, jasmine, cucumber; got %q", c.Runner.Framework)
	}
	if c.ControlPlane.RateLimit < 0 {
		return fmt.Errorf("control_plane.rate_limit must not be negative")
	}
	if c.ControlPlane.Timeout < 0 {
		return fmt.Errorf("control_plane.timeout must not be negative")
	}
	if err := c.Visual.Validate(); err != nil {
		return fmt.Errorf("visual configuration invalid: %w", err)
	}
	if c.Telemetry.Enabled && c.Telemetry.NATSURL == "" {
		return fmt.Errorf("telemetry.nats_url is required when telemetry is enabled")
	}
	return nil
}

// Validate checks the capture mode.
func (v *VisualConfig) Validate() error {
	if !v.Enabled {
		return nil
	}
	switch v.CaptureMode {
	case "auto", "click", "screenshot", "testcase", "manual":
		return nil
	}
	return fmt.Errorf("capture_mode %q is not supported", v.CaptureMode)
}
