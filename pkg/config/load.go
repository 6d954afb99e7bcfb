package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SASE_"

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates it. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads the file, then applies SASE_*
// environment overrides and validates the result. An empty path starts
// from defaults.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies SASE_SECTION_FIELD variables. Malformed
// numbers, booleans and durations are reported instead of ignored.
func applyEnvOverrides(cfg *Config) error {
	e := envReader{}

	// Engine overrides
	e.str("ENGINE_FAIL_MODE", &cfg.Engine.FailMode)
	e.int("ENGINE_CACHE_ENTRIES", &cfg.Engine.CacheEntries)
	e.int("ENGINE_CACHE_SHARDS", &cfg.Engine.CacheShards)
	e.bool("ENGINE_DISABLE_NEGATIVE_CACHE", &cfg.Engine.DisableNegativeCache)
	e.int("ENGINE_MAX_RULES", &cfg.Engine.MaxRules)

	// Rules overrides
	e.str("RULES_PATH", &cfg.Rules.Path)
	e.bool("RULES_WATCH", &cfg.Rules.Watch)
	e.duration("RULES_DEBOUNCE", &cfg.Rules.Debounce)

	// Snapshot and audit overrides
	e.str("SNAPSHOT_PATH", &cfg.Snapshot.Path)
	e.int("SNAPSHOT_KEEP", &cfg.Snapshot.Keep)
	e.str("AUDIT_PATH", &cfg.Audit.Path)
	e.int("AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)

	// Bus overrides
	e.bool("BUS_ENABLED", &cfg.Bus.Enabled)
	e.str("BUS_URL", &cfg.Bus.URL)
	e.str("BUS_SUBJECT", &cfg.Bus.Subject)
	e.str("BUS_QUEUE", &cfg.Bus.Queue)

	// Server overrides
	e.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	e.bool("SERVER_ENABLE_RULE_UPLOAD", &cfg.Server.EnableRuleUpload)
	e.bool("SERVER_TLS_ENABLED", &cfg.Server.TLS.Enabled)
	e.str("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	e.str("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	e.str("SERVER_TLS_CLIENT_CA_FILE", &cfg.Server.TLS.ClientCAFile)
	e.bool("SERVER_AUTH_ENABLED", &cfg.Server.Auth.Enabled)
	e.bool("SERVER_RATE_LIMIT_ENABLED", &cfg.Server.RateLimit.Enabled)

	// Telemetry overrides
	e.str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	e.str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	e.bool("TELEMETRY_METRICS_DISABLED", &cfg.Telemetry.Metrics.Disabled)
	e.bool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	e.str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)

	if len(e.errs) > 0 {
		return ValidationError{Errors: e.errs}
	}
	return nil
}

type envReader struct {
	errs []FieldError
}

func (r *envReader) lookup(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

func (r *envReader) fail(name, msg string) {
	r.errs = append(r.errs, FieldError{Field: EnvPrefix + name, Message: msg})
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) int(name string, dst *int) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, fmt.Sprintf("invalid integer %q", v))
			return
		}
		*dst = n
	}
}

func (r *envReader) bool(name string, dst *bool) {
	if v, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, fmt.Sprintf("invalid boolean %q", v))
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, fmt.Sprintf("invalid duration %q", v))
			return
		}
		*dst = d
	}
}
