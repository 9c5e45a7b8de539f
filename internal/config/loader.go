package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	TLSCert        string
	TLSKey         string
	MaxMessageSize int
	MaxRecipients  int
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./smtpd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes")
	flag.IntVar(&f.MaxRecipients, "max-recipients", 0, "Maximum recipients per message")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [smtpd]
// (specific settings), with [smtpd] values taking precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeServerConfig(cfg, fileConfig.Server)
	cfg = mergeConfig(cfg, fileConfig.Smtpd)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		// -listen flag replaces ALL listeners with a single listener
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: ModeSmtp},
		}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxMessageSize > 0 {
		cfg.Limits.MaxMessageSize = f.MaxMessageSize
	}

	if f.MaxRecipients > 0 {
		cfg.Limits.MaxRecipients = f.MaxRecipients
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies environment variable overrides and flag overrides.
// Precedence (highest to lowest): flags > environment variables > TOML config > defaults.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	if src.TLS.RequiredOnSubmission {
		dst.TLS.RequiredOnSubmission = src.TLS.RequiredOnSubmission
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}
	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}

	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}
	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	dst.Auth = mergeAuthConfig(dst.Auth, src.Auth)
	dst.Policy = mergePolicyConfig(dst.Policy, src.Policy)
	dst.Queue = mergeQueueConfig(dst.Queue, src.Queue)
	dst.Delivery = mergeDeliveryConfig(dst.Delivery, src.Delivery)
	dst.Redis = mergeRedisConfig(dst.Redis, src.Redis)

	return dst
}

func mergeAuthConfig(dst, src AuthConfig) AuthConfig {
	if src.Enabled {
		dst.Enabled = src.Enabled
	}
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.MaxAttempts > 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if src.LockoutDuration != "" {
		dst.LockoutDuration = src.LockoutDuration
	}
	if src.RequiredOnSubmission {
		dst.RequiredOnSubmission = src.RequiredOnSubmission
	}
	return dst
}

func mergePolicyConfig(dst, src PolicyConfig) PolicyConfig {
	if src.RulesDBPath != "" {
		dst.RulesDBPath = src.RulesDBPath
	}
	if src.RateLimitPerIP > 0 {
		dst.RateLimitPerIP = src.RateLimitPerIP
	}
	if src.RateLimitPerDomain > 0 {
		dst.RateLimitPerDomain = src.RateLimitPerDomain
	}
	if src.GreylistMinDelay != "" {
		dst.GreylistMinDelay = src.GreylistMinDelay
	}
	if src.GreylistMaxAge != "" {
		dst.GreylistMaxAge = src.GreylistMaxAge
	}
	dst.GreylistEnabled = src.GreylistEnabled || dst.GreylistEnabled
	return dst
}

func mergeQueueConfig(dst, src QueueConfig) QueueConfig {
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.BlobDir != "" {
		dst.BlobDir = src.BlobDir
	}
	if src.MaxQueueAge != "" {
		dst.MaxQueueAge = src.MaxQueueAge
	}
	if src.LeaseDuration != "" {
		dst.LeaseDuration = src.LeaseDuration
	}
	return dst
}

func mergeDeliveryConfig(dst, src DeliveryConfig) DeliveryConfig {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.Workers > 0 {
		dst.Workers = src.Workers
	}
	if src.PollInterval != "" {
		dst.PollInterval = src.PollInterval
	}
	if src.BatchSize > 0 {
		dst.BatchSize = src.BatchSize
	}
	if src.ConnectTimeout != "" {
		dst.ConnectTimeout = src.ConnectTimeout
	}
	if src.DataTimeout != "" {
		dst.DataTimeout = src.DataTimeout
	}
	if src.MaxConnectionsPerDomain > 0 {
		dst.MaxConnectionsPerDomain = src.MaxConnectionsPerDomain
	}
	if src.SMTPPort > 0 {
		dst.SMTPPort = src.SMTPPort
	}
	dst.MXFallbackToA = src.MXFallbackToA || dst.MXFallbackToA
	return dst
}

func mergeRedisConfig(dst, src RedisConfig) RedisConfig {
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.DB != 0 {
		dst.DB = src.DB
	}
	return dst
}
