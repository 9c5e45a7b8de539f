// Package config provides configuration management for the mail transfer
// agent: reception limits and listeners, and the persistence/runtime knobs
// for the authentication, policy, queue, and delivery services.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP reception on port 25 (relay, no auth advertised).
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission on port 587.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
)

// FileConfig is the top-level wrapper for the TOML configuration file.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Smtpd  Config       `toml:"smtpd"`
}

// ServerConfig holds settings shared across the file's [server] table.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the complete server configuration.
type Config struct {
	Hostname  string           `toml:"hostname"`
	LogLevel  string           `toml:"log_level"`
	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Limits    LimitsConfig     `toml:"limits"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Auth      AuthConfig       `toml:"auth"`
	Policy    PolicyConfig     `toml:"policy"`
	Queue     QueueConfig      `toml:"queue"`
	Delivery  DeliveryConfig   `toml:"delivery"`
	Redis     RedisConfig      `toml:"redis"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile             string `toml:"cert_file"`
	KeyFile              string `toml:"key_file"`
	MinVersion           string `toml:"min_version"`
	RequiredOnSubmission bool   `toml:"required_on_submission"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// TimeoutsConfig defines timeout durations for the SMTP session.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
}

// MetricsConfig selects the Collector implementation. Exposing metrics over
// HTTP is the operator's concern, not this server's.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// AuthConfig holds configuration for SMTP AUTH and the user store.
type AuthConfig struct {
	Enabled         bool   `toml:"enabled"`
	DBPath          string `toml:"db_path"`
	MaxAttempts     int    `toml:"max_attempts"`
	LockoutDuration string `toml:"lockout_duration"`
	// RequiredOnSubmission enforces AUTH before MAIL FROM on submission
	// listeners (AUTH_REQUIRED_SUBMISSION); relay listeners are unaffected.
	RequiredOnSubmission bool `toml:"required_on_submission"`
}

// IsEnabled returns true if authentication is configured.
func (c *AuthConfig) IsEnabled() bool {
	return c.Enabled && c.DBPath != ""
}

// LockoutDurationValue returns LockoutDuration as a time.Duration, defaulting
// to 15 minutes if unset or invalid.
func (c *AuthConfig) LockoutDurationValue() time.Duration {
	if c.LockoutDuration == "" {
		return 15 * time.Minute
	}
	d, err := time.ParseDuration(c.LockoutDuration)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// PolicyConfig holds configuration for blacklist/whitelist rules, rate
// limiting, and greylisting.
type PolicyConfig struct {
	RulesDBPath        string `toml:"rules_db_path"`
	RateLimitPerIP     int    `toml:"rate_limit_per_ip"`
	RateLimitPerDomain int    `toml:"rate_limit_per_domain"`
	GreylistEnabled    bool   `toml:"greylist_enabled"`
	GreylistMinDelay   string `toml:"greylist_min_delay"`
	GreylistMaxAge     string `toml:"greylist_max_age"`
}

// GreylistMinDelayValue returns GreylistMinDelay as a time.Duration,
// defaulting to 5 minutes.
func (c *PolicyConfig) GreylistMinDelayValue() time.Duration {
	return parseDurationDefault(c.GreylistMinDelay, 5*time.Minute)
}

// GreylistMaxAgeValue returns GreylistMaxAge as a time.Duration, defaulting
// to 4 hours.
func (c *PolicyConfig) GreylistMaxAgeValue() time.Duration {
	return parseDurationDefault(c.GreylistMaxAge, 4*time.Hour)
}

// QueueConfig holds configuration for the durable message queue.
type QueueConfig struct {
	DBPath        string `toml:"db_path"`
	BlobDir       string `toml:"blob_dir"`
	MaxQueueAge   string `toml:"max_queue_age"`
	LeaseDuration string `toml:"lease_duration"`
}

// MaxQueueAgeValue returns MaxQueueAge as a time.Duration, defaulting to 5 days.
func (c *QueueConfig) MaxQueueAgeValue() time.Duration {
	return parseDurationDefault(c.MaxQueueAge, 5*24*time.Hour)
}

// LeaseDurationValue returns LeaseDuration as a time.Duration, defaulting to
// 10 minutes.
func (c *QueueConfig) LeaseDurationValue() time.Duration {
	return parseDurationDefault(c.LeaseDuration, 10*time.Minute)
}

// DeliveryConfig holds configuration for the outbound delivery worker pool.
type DeliveryConfig struct {
	Hostname                string `toml:"hostname"`
	Workers                 int    `toml:"workers"`
	PollInterval            string `toml:"poll_interval"`
	BatchSize               int    `toml:"batch_size"`
	ConnectTimeout          string `toml:"connect_timeout"`
	DataTimeout             string `toml:"data_timeout"`
	MaxConnectionsPerDomain int    `toml:"max_connections_per_domain"`
	MXFallbackToA           bool   `toml:"mx_fallback_to_a"`
	SMTPPort                int    `toml:"smtp_port"`
}

// PollIntervalValue returns PollInterval as a time.Duration, defaulting to 10s.
func (c *DeliveryConfig) PollIntervalValue() time.Duration {
	return parseDurationDefault(c.PollInterval, 10*time.Second)
}

// ConnectTimeoutValue returns ConnectTimeout as a time.Duration, defaulting to 30s.
func (c *DeliveryConfig) ConnectTimeoutValue() time.Duration {
	return parseDurationDefault(c.ConnectTimeout, 30*time.Second)
}

// DataTimeoutValue returns DataTimeout as a time.Duration, defaulting to 5m.
func (c *DeliveryConfig) DataTimeoutValue() time.Duration {
	return parseDurationDefault(c.DataTimeout, 5*time.Minute)
}

// RedisConfig holds connection settings for the volatile policy store.
type RedisConfig struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
			{Address: ":587", Mode: ModeSubmission},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Policy: PolicyConfig{
			RateLimitPerIP:     100,
			RateLimitPerDomain: 1000,
			GreylistEnabled:    true,
			GreylistMinDelay:   "5m",
			GreylistMaxAge:     "4h",
		},
		Queue: QueueConfig{
			DBPath:        "./data/queue.db",
			BlobDir:       "./data/queue-bodies",
			MaxQueueAge:   "120h",
			LeaseDuration: "10m",
		},
		Delivery: DeliveryConfig{
			Workers:                 4,
			PollInterval:            "10s",
			BatchSize:               10,
			ConnectTimeout:          "30s",
			DataTimeout:             "5m",
			MaxConnectionsPerDomain: 10,
			MXFallbackToA:           true,
			SMTPPort:                25,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Auth.IsEnabled() && c.Auth.MaxAttempts < 0 {
		return errors.New("auth.max_attempts must not be negative")
	}

	if c.Queue.DBPath == "" {
		return errors.New("queue.db_path is required")
	}
	if c.Queue.BlobDir == "" {
		return errors.New("queue.blob_dir is required")
	}

	if c.Delivery.Workers <= 0 {
		return errors.New("delivery.workers must be positive")
	}
	if c.Delivery.SMTPPort <= 0 {
		return errors.New("delivery.smtp_port must be positive")
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDurationDefault(c.Connection, 5*time.Minute)
}

// CommandTimeout returns the command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDurationDefault(c.Command, 1*time.Minute)
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSubmission, ModeSmtps:
		return true
	default:
		return false
	}
}
