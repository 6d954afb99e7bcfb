package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError holds every field error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate checks the whole configuration. All errors are collected and
// returned together as a ValidationError.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateRules(&cfg.Rules)...)
	errs = append(errs, validateSnapshot(&cfg.Snapshot)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateBus(&cfg.Bus)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateEngine(e *EngineConfig) []FieldError {
	var errs []FieldError

	switch e.FailMode {
	case "fail-open", "fail-closed":
	default:
		errs = append(errs, FieldError{
			Field:   "engine.fail_mode",
			Message: fmt.Sprintf("invalid fail mode %q (must be fail-open or fail-closed)", e.FailMode),
		})
	}
	if e.CacheEntries <= 0 {
		errs = append(errs, FieldError{Field: "engine.cache_entries", Message: "must be positive"})
	}
	if e.CacheShards <= 0 || e.CacheShards&(e.CacheShards-1) != 0 {
		errs = append(errs, FieldError{Field: "engine.cache_shards", Message: fmt.Sprintf("must be a power of two, got %d", e.CacheShards)})
	} else if e.CacheEntries > 0 && e.CacheShards > e.CacheEntries {
		errs = append(errs, FieldError{Field: "engine.cache_shards", Message: "must not exceed cache_entries"})
	}
	if e.BloomBitsPerItem <= 0 {
		errs = append(errs, FieldError{Field: "engine.bloom_bits_per_item", Message: "must be positive"})
	}
	if e.BloomHashes < 0 {
		errs = append(errs, FieldError{Field: "engine.bloom_hashes", Message: "must not be negative"})
	}
	if e.MaxPortExpansion <= 0 || e.MaxPortExpansion > 65536 {
		errs = append(errs, FieldError{Field: "engine.max_port_expansion", Message: "must be between 1 and 65536"})
	}
	if e.MaxRules <= 0 {
		errs = append(errs, FieldError{Field: "engine.max_rules", Message: "must be positive"})
	}
	return errs
}

func validateRules(r *RulesConfig) []FieldError {
	var errs []FieldError
	if r.Watch && r.Path == "" {
		errs = append(errs, FieldError{Field: "rules.watch", Message: "requires rules.path"})
	}
	if r.Debounce < 0 {
		errs = append(errs, FieldError{Field: "rules.debounce", Message: "must not be negative"})
	}
	return errs
}

func validateSnapshot(s *SnapshotConfig) []FieldError {
	if s.Keep < 0 {
		return []FieldError{{Field: "snapshot.keep", Message: "must not be negative"}}
	}
	return nil
}

func validateAudit(a *AuditConfig) []FieldError {
	var errs []FieldError
	if a.Buffer <= 0 {
		errs = append(errs, FieldError{Field: "audit.buffer", Message: "must be positive"})
	}
	if a.RetentionDays < 0 {
		errs = append(errs, FieldError{Field: "audit.retention_days", Message: "must not be negative"})
	}
	if _, err := cron.ParseStandard(a.PruneSchedule); err != nil {
		errs = append(errs, FieldError{Field: "audit.prune_schedule", Message: fmt.Sprintf("invalid cron expression %q: %v", a.PruneSchedule, err)})
	}
	return errs
}

func validateBus(b *BusConfig) []FieldError {
	if !b.Enabled {
		return nil
	}

	var errs []FieldError
	u, err := url.Parse(b.URL)
	switch {
	case err != nil:
		errs = append(errs, FieldError{Field: "bus.url", Message: fmt.Sprintf("invalid URL: %v", err)})
	case u.Scheme != "nats" && u.Scheme != "tls" && u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, FieldError{Field: "bus.url", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)})
	case u.Host == "":
		errs = append(errs, FieldError{Field: "bus.url", Message: "missing host"})
	}
	if strings.TrimSpace(b.Subject) == "" || strings.ContainsAny(b.Subject, " \t") {
		errs = append(errs, FieldError{Field: "bus.subject", Message: fmt.Sprintf("invalid subject %q", b.Subject)})
	}
	if b.ApplyTimeout <= 0 {
		errs = append(errs, FieldError{Field: "bus.apply_timeout", Message: "must be positive"})
	}
	return errs
}

func validateServer(s *ServerConfig) []FieldError {
	var errs []FieldError
	if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: fmt.Sprintf("invalid address %q: %v", s.ListenAddress, err)})
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "must be positive"})
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "must be positive"})
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "must be positive"})
	}
	errs = append(errs, validateTLS(&s.TLS)...)
	errs = append(errs, validateAuth(&s.Auth)...)
	errs = append(errs, validateRateLimit(&s.RateLimit)...)
	return errs
}

func validateTLS(t *TLSConfig) []FieldError {
	var errs []FieldError
	if t.MinVersion != "1.2" && t.MinVersion != "1.3" {
		errs = append(errs, FieldError{Field: "server.tls.min_version", Message: fmt.Sprintf("must be 1.2 or 1.3, got %q", t.MinVersion)})
	}
	if t.ReloadInterval < 0 {
		errs = append(errs, FieldError{Field: "server.tls.reload_interval", Message: "must not be negative"})
	}
	if !t.Enabled {
		if t.ClientCAFile != "" {
			errs = append(errs, FieldError{Field: "server.tls.client_ca_file", Message: "requires server.tls.enabled"})
		}
		return errs
	}
	if t.CertFile == "" {
		errs = append(errs, FieldError{Field: "server.tls.cert_file", Message: "is required when TLS is enabled"})
	}
	if t.KeyFile == "" {
		errs = append(errs, FieldError{Field: "server.tls.key_file", Message: "is required when TLS is enabled"})
	}
	return errs
}

var validScopes = map[string]bool{"read": true, "decide": true, "admin": true}

func validateAuth(a *AuthConfig) []FieldError {
	var errs []FieldError
	if a.Enabled && len(a.Keys) == 0 {
		errs = append(errs, FieldError{Field: "server.auth.keys", Message: "at least one key is required when auth is enabled"})
	}
	names := make(map[string]bool, len(a.Keys))
	for i, k := range a.Keys {
		field := fmt.Sprintf("server.auth.keys[%d]", i)
		switch {
		case k.Name == "":
			errs = append(errs, FieldError{Field: field + ".name", Message: "is required"})
		case names[k.Name]:
			errs = append(errs, FieldError{Field: field + ".name", Message: fmt.Sprintf("duplicate key name %q", k.Name)})
		}
		names[k.Name] = true
		if (k.Key == "") == (k.KeyFile == "") {
			errs = append(errs, FieldError{Field: field, Message: "exactly one of key and key_file must be set"})
		}
		for _, sc := range k.Scopes {
			if !validScopes[sc] {
				errs = append(errs, FieldError{Field: field + ".scopes", Message: fmt.Sprintf("unknown scope %q (want read, decide or admin)", sc)})
			}
		}
	}
	return errs
}

func validateRateLimit(r *RateLimitConfig) []FieldError {
	var errs []FieldError
	if r.RequestsPerSecond < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.requests_per_second", Message: "must not be negative"})
	}
	if r.Burst < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.burst", Message: "must not be negative"})
	}
	if r.MaxClients < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.max_clients", Message: "must not be negative"})
	}
	if r.MaxInFlight < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.max_in_flight", Message: "must not be negative"})
	}
	return errs
}

func validateTelemetry(t *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch t.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.level", Message: fmt.Sprintf("invalid log level %q", t.Logging.Level)})
	}
	switch t.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.format", Message: fmt.Sprintf("invalid log format %q", t.Logging.Format)})
	}

	if !t.Metrics.Disabled && !strings.HasPrefix(t.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
	}
	for i := 1; i < len(t.Metrics.ReloadDurationBuckets); i++ {
		if t.Metrics.ReloadDurationBuckets[i] <= t.Metrics.ReloadDurationBuckets[i-1] {
			errs = append(errs, FieldError{Field: "telemetry.metrics.reload_duration_buckets", Message: "must be strictly increasing"})
			break
		}
	}

	switch t.Tracing.Sampler {
	case "always", "never", "ratio":
	default:
		errs = append(errs, FieldError{Field: "telemetry.tracing.sampler", Message: fmt.Sprintf("invalid sampler %q", t.Tracing.Sampler)})
	}
	if t.Tracing.SampleRatio < 0 || t.Tracing.SampleRatio > 1 {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0 and 1"})
	}
	if t.Tracing.Enabled && t.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "required when tracing is enabled"})
	}
	return errs
}
