// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Device() DeviceConfig
	Session() SessionConfig
	Resolver() ResolverConfig
	Telemetry() TelemetryConfig
	Engine() EngineConfig
	Results() ResultsConfig

	// Setters used by CLI flag overrides.
	SetDeviceBackend(string)
	SetDeviceHeadless(bool)
	SetEngineConcurrency(int)
	SetResultsDir(string)
	SetSiteDir(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DeviceCfg    DeviceConfig    `mapstructure:"device" yaml:"device"`
	SessionCfg   SessionConfig   `mapstructure:"session" yaml:"session"`
	ResolverCfg  ResolverConfig  `mapstructure:"resolver" yaml:"resolver"`
	TelemetryCfg TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	EngineCfg    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	ResultsCfg   ResultsConfig   `mapstructure:"results" yaml:"results"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Device() DeviceConfig       { return c.DeviceCfg }
func (c *Config) Session() SessionConfig     { return c.SessionCfg }
func (c *Config) Resolver() ResolverConfig   { return c.ResolverCfg }
func (c *Config) Telemetry() TelemetryConfig { return c.TelemetryCfg }
func (c *Config) Engine() EngineConfig       { return c.EngineCfg }
func (c *Config) Results() ResultsConfig     { return c.ResultsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDeviceBackend(b string)  { c.DeviceCfg.Backend = b }
func (c *Config) SetDeviceHeadless(b bool)   { c.DeviceCfg.Headless = b }
func (c *Config) SetEngineConcurrency(n int) { c.EngineCfg.Concurrency = n }
func (c *Config) SetResultsDir(dir string)   { c.ResultsCfg.Dir = dir }
func (c *Config) SetSiteDir(dir string)      { c.DeviceCfg.Simulation.SiteDir = dir }

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

// Device backend names.
const (
	BackendLive       = "live"
	BackendSimulation = "simulation"
	// BackendHTTP fetches pages over plain HTTP without running scripts.
	BackendHTTP = "http"
)

// DeviceConfig selects and tunes the device backend.
type DeviceConfig struct {
	Backend           string           `mapstructure:"backend" yaml:"backend"`
	Headless          bool             `mapstructure:"headless" yaml:"headless"`
	Args              []string         `mapstructure:"args" yaml:"args"`
	OperationTimeout  time.Duration    `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	NavigationTimeout time.Duration    `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionsPerSecond  float64          `mapstructure:"actions_per_second" yaml:"actions_per_second"`
	ScreenshotDir     string           `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	Simulation        SimulationConfig `mapstructure:"simulation" yaml:"simulation"`
}

// SimulationConfig points the simulation backend at a site on disk.
type SimulationConfig struct {
	SiteDir string `mapstructure:"site_dir" yaml:"site_dir"`
}

// RetryConfig parameterizes the exponential backoff used for every step.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter          float64       `mapstructure:"jitter" yaml:"jitter"`
}

// SessionConfig bounds a single form-filling session.
type SessionConfig struct {
	Deadline                  time.Duration `mapstructure:"deadline" yaml:"deadline"`
	Retry                     RetryConfig   `mapstructure:"retry" yaml:"retry"`
	MaxSubmitAttempts         int           `mapstructure:"max_submit_attempts" yaml:"max_submit_attempts"`
	SignatureWait             time.Duration `mapstructure:"signature_wait" yaml:"signature_wait"`
	SignaturePoll             time.Duration `mapstructure:"signature_poll" yaml:"signature_poll"`
	AbortOnUnresolvedRequired bool          `mapstructure:"abort_on_unresolved_required" yaml:"abort_on_unresolved_required"`
	MaxPages                  int           `mapstructure:"max_pages" yaml:"max_pages"`
	CaptureScreenshots        bool          `mapstructure:"capture_screenshots" yaml:"capture_screenshots"`
}

// ClassifierProvider names a semantic classifier implementation.
type ClassifierProvider string

const (
	ClassifierNone   ClassifierProvider = "none"
	ClassifierGemini ClassifierProvider = "gemini"
	ClassifierHTTP   ClassifierProvider = "http"
)

// ClassifierConfig configures the fallback field classifier.
type ClassifierConfig struct {
	Provider ClassifierProvider `mapstructure:"provider" yaml:"provider"`
	Model    string             `mapstructure:"model" yaml:"model"`
	APIKey   string             `mapstructure:"api_key" yaml:"-"`
	Endpoint string             `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration      `mapstructure:"timeout" yaml:"timeout"`
}

// ResolverConfig holds field resolution settings.
type ResolverConfig struct {
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
}

// TelemetryConfig tunes the progress stream.
type TelemetryConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	BufferCapacity int           `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
	PingPeriod     time.Duration `mapstructure:"ping_period" yaml:"ping_period"`
	// Retention keeps a finished session's events available to late observers.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// EngineConfig configures the multi-session engine.
type EngineConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// PostgresConfig holds the Postgres result sink connection.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig holds the Redis result sink connection.
type RedisConfig struct {
	Addr string        `mapstructure:"addr" yaml:"addr"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ResultsConfig defines where ApplicationResults are persisted.
type ResultsConfig struct {
	Dir      string         `mapstructure:"dir" yaml:"dir"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
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
	v.SetDefault("logger.service_name", "formpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Device --
	v.SetDefault("device.backend", BackendSimulation)
	v.SetDefault("device.headless", true)
	v.SetDefault("device.operation_timeout", "15s")
	v.SetDefault("device.navigation_timeout", "45s")
	v.SetDefault("device.actions_per_second", 20.0)
	v.SetDefault("device.screenshot_dir", "")
	v.SetDefault("device.simulation.site_dir", "")

	// -- Session --
	v.SetDefault("session.deadline", "10m")
	v.SetDefault("session.retry.max_attempts", 3)
	v.SetDefault("session.retry.initial_interval", "250ms")
	v.SetDefault("session.retry.max_interval", "5s")
	v.SetDefault("session.retry.multiplier", 2.0)
	v.SetDefault("session.retry.jitter", 0.2)
	v.SetDefault("session.max_submit_attempts", 3)
	v.SetDefault("session.signature_wait", "5s")
	v.SetDefault("session.signature_poll", "250ms")
	v.SetDefault("session.abort_on_unresolved_required", false)
	v.SetDefault("session.max_pages", 20)
	v.SetDefault("session.capture_screenshots", false)

	// -- Resolver --
	v.SetDefault("resolver.classifier.provider", string(ClassifierNone))
	v.SetDefault("resolver.classifier.model", "gemini-2.5-flash")
	v.SetDefault("resolver.classifier.timeout", "10s")

	// -- Telemetry --
	v.SetDefault("telemetry.listen_addr", "127.0.0.1:8089")
	v.SetDefault("telemetry.buffer_capacity", 256)
	v.SetDefault("telemetry.ping_period", "20s")
	v.SetDefault("telemetry.retention", "5m")

	// -- Engine --
	v.SetDefault("engine.concurrency", 2)

	// -- Results --
	v.SetDefault("results.dir", "results")
	v.SetDefault("results.redis.ttl", "168h")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("resolver.classifier.api_key", "FORMPILOT_CLASSIFIER_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("results.postgres.url", "FORMPILOT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.ResolverCfg.Classifier.Provider == ClassifierGemini && cfg.ResolverCfg.Classifier.APIKey == "" {
		cfg.ResolverCfg.Classifier.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.DeviceCfg.Validate(); err != nil {
		return fmt.Errorf("device configuration invalid: %w", err)
	}
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if err := c.ResolverCfg.Classifier.Validate(); err != nil {
		return fmt.Errorf("resolver.classifier configuration invalid: %w", err)
	}
	if c.TelemetryCfg.BufferCapacity < 2 {
		return fmt.Errorf("telemetry.buffer_capacity must be at least 2")
	}
	if c.TelemetryCfg.Retention <= 0 {
		return fmt.Errorf("telemetry.retention must be positive")
	}
	if c.EngineCfg.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	return nil
}

// Validate checks the device settings.
func (d *DeviceConfig) Validate() error {
	switch d.Backend {
	case BackendLive, BackendSimulation, BackendHTTP:
	default:
		return fmt.Errorf("backend must be one of %q, %q or %q, got %q", BackendLive, BackendSimulation, BackendHTTP, d.Backend)
	}
	if d.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be a positive duration")
	}
	if d.ActionsPerSecond < 0 {
		return fmt.Errorf("actions_per_second must not be negative")
	}
	return nil
}

// Validate checks the session bounds.
func (s *SessionConfig) Validate() error {
	if s.Deadline <= 0 {
		return fmt.Errorf("deadline must be a positive duration")
	}
	if s.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if s.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0.0 and 1.0")
	}
	if s.MaxSubmitAttempts <= 0 {
		return fmt.Errorf("max_submit_attempts must be greater than 0")
	}
	if s.SignatureWait <= 0 || s.SignaturePoll <= 0 {
		return fmt.Errorf("signature_wait and signature_poll must be positive durations")
	}
	if s.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be greater than 0")
	}
	return nil
}

// Validate checks the classifier settings.
func (c *ClassifierConfig) Validate() error {
	switch c.Provider {
	case ClassifierNone, "":
		return nil
	case ClassifierGemini:
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for the gemini provider. Ensure GEMINI_API_KEY is set")
		}
	case ClassifierHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}
