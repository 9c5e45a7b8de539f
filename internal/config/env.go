package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("SMTPD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("SMTPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SMTPD_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("SMTPD_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("SMTPD_AUTH_DB_PATH"); v != "" {
		cfg.Auth.DBPath = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("SMTPD_POLICY_RULES_DB_PATH"); v != "" {
		cfg.Policy.RulesDBPath = v
	}
	if v := os.Getenv("SMTPD_QUEUE_DB_PATH"); v != "" {
		cfg.Queue.DBPath = v
	}
	if v := os.Getenv("SMTPD_QUEUE_BLOB_DIR"); v != "" {
		cfg.Queue.BlobDir = v
	}
	if v := os.Getenv("SMTPD_REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("SMTPD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	return cfg
}
