// Package config provides configuration structures and loading functionality for the preview engine
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure for the preview engine
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Access     AccessConfig     `mapstructure:"access"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Imaging    ImagingConfig    `mapstructure:"imaging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Listen       string        `mapstructure:"listen" envconfig:"SERVER_LISTEN" default:":8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"60s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"180s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	MaxBodySize  int64         `mapstructure:"max_body_size" envconfig:"SERVER_MAX_BODY_SIZE" default:"20971520"` // 20MB
}

// RelayConfig contains the try-on relay API settings. The relay holds the real
// AI-provider credentials and validates the license on every call.
type RelayConfig struct {
	PreviewEndpoint  string        `mapstructure:"preview_endpoint" envconfig:"RELAY_PREVIEW_ENDPOINT" default:"https://tryontool.com/wp-json/fashnai/v1/preview"`
	ValidateEndpoint string        `mapstructure:"validate_endpoint" envconfig:"RELAY_VALIDATE_ENDPOINT" default:"https://tryontool.com/wp-json/fashnai/v1/validate-license"`
	LicenseKey       string        `mapstructure:"license_key" envconfig:"RELAY_LICENSE_KEY"`
	SiteURL          string        `mapstructure:"site_url" envconfig:"RELAY_SITE_URL"`
	Timeout          time.Duration `mapstructure:"timeout" envconfig:"RELAY_TIMEOUT" default:"120s"`
}

// BrokerConfig contains the credential broker endpoints used to exchange the
// license key for short-lived object storage credentials.
type BrokerConfig struct {
	TokenEndpoint       string        `mapstructure:"token_endpoint" envconfig:"BROKER_TOKEN_ENDPOINT" default:"https://tryontool.com/wp-json/tryontool/v1/wasabi/token"`
	CredentialsEndpoint string        `mapstructure:"credentials_endpoint" envconfig:"BROKER_CREDENTIALS_ENDPOINT" default:"https://tryontool.com/wp-json/tryontool/v1/wasabi/secure-credentials"`
	Timeout             time.Duration `mapstructure:"timeout" envconfig:"BROKER_TIMEOUT" default:"20s"`
}

// StorageConfig contains object storage settings. Credentials are never
// configured here; they come from the broker per logical operation.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint" envconfig:"STORAGE_ENDPOINT" default:"https://s3.eu-west-1.wasabisys.com"`
	Region    string `mapstructure:"region" envconfig:"STORAGE_REGION" default:"eu-west-1"`
	PathStyle bool   `mapstructure:"path_style" envconfig:"STORAGE_PATH_STYLE" default:"true"`
}

// DatabaseConfig specifies database configuration for durable state
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver" envconfig:"DB_DRIVER" default:"postgres"`
	ConnectionString string        `mapstructure:"connection_string" envconfig:"DB_CONNECTION_STRING"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// AccessConfig contains the layered access control and quota settings
type AccessConfig struct {
	LoggedInOnly   bool     `mapstructure:"logged_in_only" envconfig:"ACCESS_LOGGED_IN_ONLY" default:"false"`
	AllowedRoles   []string `mapstructure:"allowed_roles" envconfig:"ACCESS_ALLOWED_ROLES"`
	AllowedUserIDs []int64  `mapstructure:"allowed_user_ids" envconfig:"ACCESS_ALLOWED_USER_IDS"`
	RequiredTag    string   `mapstructure:"required_tag" envconfig:"ACCESS_REQUIRED_TAG"`
	DailyLimit     int      `mapstructure:"daily_limit" envconfig:"ACCESS_DAILY_LIMIT" default:"0"`
	RequireConsent bool     `mapstructure:"require_consent" envconfig:"ACCESS_REQUIRE_CONSENT" default:"true"`
}

// RetentionConfig contains the image lifecycle settings
type RetentionConfig struct {
	InactivityWindow time.Duration `mapstructure:"inactivity_window" envconfig:"RETENTION_INACTIVITY_WINDOW" default:"8760h"`
	MaxAge           time.Duration `mapstructure:"max_age" envconfig:"RETENTION_MAX_AGE" default:"8760h"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" envconfig:"RETENTION_SWEEP_INTERVAL" default:"10m"`
}

// ImagingConfig contains image normalization settings
type ImagingConfig struct {
	ScratchDir  string `mapstructure:"scratch_dir" envconfig:"IMAGING_SCRATCH_DIR"`
	JPEGQuality int    `mapstructure:"jpeg_quality" envconfig:"IMAGING_JPEG_QUALITY" default:"90"`
}

// MonitoringConfig contains monitoring and profiling configuration
type MonitoringConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled" envconfig:"MONITORING_METRICS_ENABLED" default:"true"`
	PprofEnabled   bool `mapstructure:"pprof_enabled" envconfig:"MONITORING_PPROF_ENABLED" default:"false"`
}

// SentryConfig contains Sentry error tracking configuration
type SentryConfig struct {
	Enabled          bool     `mapstructure:"enabled" envconfig:"SENTRY_ENABLED" default:"false"`
	DSN              string   `mapstructure:"dsn" envconfig:"SENTRY_DSN"`
	Environment      string   `mapstructure:"environment" envconfig:"SENTRY_ENVIRONMENT" default:"production"`
	SampleRate       float64  `mapstructure:"sample_rate" envconfig:"SENTRY_SAMPLE_RATE" default:"1.0"`
	TracesSampleRate float64  `mapstructure:"traces_sample_rate" envconfig:"SENTRY_TRACES_SAMPLE_RATE" default:"0.1"`
	AttachStacktrace bool     `mapstructure:"attach_stacktrace" envconfig:"SENTRY_ATTACH_STACKTRACE" default:"true"`
	Debug            bool     `mapstructure:"debug" envconfig:"SENTRY_DEBUG" default:"false"`
	MaxBreadcrumbs   int      `mapstructure:"max_breadcrumbs" envconfig:"SENTRY_MAX_BREADCRUMBS" default:"30"`
	IgnoreErrors     []string `mapstructure:"ignore_errors"`
	ServerName       string   `mapstructure:"server_name" envconfig:"SENTRY_SERVER_NAME"`
	Release          string   `mapstructure:"release" envconfig:"SENTRY_RELEASE"`
}

// Load reads and validates configuration from a file or environment variables.
// If configFile is empty, only environment variables are processed.
// Returns a validated Config struct or an error if validation fails.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate ensures all required fields are present and correctly configured.
func validate(cfg *Config) error {
	if cfg.Relay.LicenseKey == "" {
		return fmt.Errorf("relay license key is required")
	}
	if cfg.Relay.SiteURL == "" {
		return fmt.Errorf("relay site URL is required")
	}
	if _, err := url.Parse(cfg.Relay.SiteURL); err != nil {
		return fmt.Errorf("invalid site URL %q: %w", cfg.Relay.SiteURL, err)
	}
	if cfg.Database.ConnectionString == "" {
		return fmt.Errorf("database connection string is required")
	}
	if cfg.Storage.Endpoint == "" {
		return fmt.Errorf("storage endpoint is required")
	}
	if cfg.Imaging.JPEGQuality < 1 || cfg.Imaging.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got %d", cfg.Imaging.JPEGQuality)
	}
	if cfg.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention sweep interval must be positive")
	}
	return nil
}

// SiteHost returns the host part of the configured site URL. It namespaces
// every object key so one bucket can serve many installations.
func (c *Config) SiteHost() string {
	u, err := url.Parse(c.Relay.SiteURL)
	if err != nil || u.Host == "" {
		return c.Relay.SiteURL
	}
	return u.Host
}
