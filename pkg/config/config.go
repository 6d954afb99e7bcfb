package config

import (
	"time"

	"opensase/sase-policy/pkg/policy/cache"
	"opensase/sase-policy/pkg/policy/engine"
)

// Config is the root configuration.
type Config struct {
	// Engine tunes the decision engine.
	Engine EngineConfig `yaml:"engine"`

	// Rules configures the rule source on disk.
	Rules RulesConfig `yaml:"rules"`

	// Snapshot configures last-known-good persistence.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Audit configures the reload audit trail.
	Audit AuditConfig `yaml:"audit"`

	// Bus configures rule distribution over NATS.
	Bus BusConfig `yaml:"bus"`

	// Server configures the admin HTTP server.
	Server ServerConfig `yaml:"server"`

	// Telemetry contains logging, metrics and tracing settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig contains decision engine settings.
type EngineConfig struct {
	// FailMode selects the decision for flows no rule matches.
	// Options: "fail-open", "fail-closed"
	// Default: "fail-open"
	FailMode string `yaml:"fail_mode"`

	// CacheEntries bounds the decision cache.
	// Default: 65536
	CacheEntries int `yaml:"cache_entries"`

	// CacheShards is the number of cache shards, a power of two.
	// Default: 64
	CacheShards int `yaml:"cache_shards"`

	// DisableNegativeCache stops caching of default decisions.
	// Default: false
	DisableNegativeCache bool `yaml:"disable_negative_cache"`

	// BloomBitsPerItem sizes the prefilter.
	// Default: 10
	BloomBitsPerItem int `yaml:"bloom_bits_per_item"`

	// BloomHashes fixes the prefilter hash count; 0 derives it from size.
	// Default: 0
	BloomHashes int `yaml:"bloom_hashes"`

	// MaxPortExpansion is the widest port range indexed port by port.
	// Default: 256
	MaxPortExpansion int `yaml:"max_port_expansion"`

	// MaxRules bounds a rule set.
	// Default: 100000
	MaxRules int `yaml:"max_rules"`
}

// RulesConfig configures the file rule source.
type RulesConfig struct {
	// Path is a rule document or a directory of documents. Empty disables
	// the file source; rules then arrive over the bus or admin API.
	Path string `yaml:"path"`

	// Watch reloads rules when files change.
	// Default: false
	Watch bool `yaml:"watch"`

	// Debounce is the quiet period before a change triggers a reload.
	// Default: 100ms
	Debounce time.Duration `yaml:"debounce"`

	// SkipInvalid loads the valid files of a directory and skips the rest.
	// Default: false
	SkipInvalid bool `yaml:"skip_invalid"`
}

// SnapshotConfig configures the snapshot store.
type SnapshotConfig struct {
	// Path is the SQLite file. Empty disables snapshots.
	Path string `yaml:"path"`

	// Keep is the number of snapshots retained.
	// Default: 10
	Keep int `yaml:"keep"`

	// DisableRestore stops the snapshot fallback at startup.
	// Default: false
	DisableRestore bool `yaml:"disable_restore"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Path is the SQLite file. Empty keeps events in memory.
	Path string `yaml:"path"`

	// Buffer is the async write queue size.
	// Default: 256
	Buffer int `yaml:"buffer"`

	// RetentionDays is how long events are kept; 0 keeps them forever.
	// Default: 90
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression for pruning.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// BusConfig configures the NATS subscriber.
type BusConfig struct {
	// Enabled turns on the subscriber.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// URL is the NATS server URL.
	// Default: "nats://127.0.0.1:4222"
	URL string `yaml:"url"`

	// Subject carries rule documents.
	// Default: "sase.policy.rules"
	Subject string `yaml:"subject"`

	// Queue joins a queue group.
	Queue string `yaml:"queue"`

	// ApplyTimeout bounds one message.
	// Default: 10s
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	// ListenAddress is the admin address.
	// Default: "127.0.0.1:9090"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout bounds reading a request.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// EnableRuleUpload accepts rule documents on PUT /v1/rules.
	// Default: false
	EnableRuleUpload bool `yaml:"enable_rule_upload"`

	// TLS serves the admin API over HTTPS.
	TLS TLSConfig `yaml:"tls"`

	// Auth requires API keys on the /v1 endpoints. Health probes and
	// metrics stay open.
	Auth AuthConfig `yaml:"auth"`

	// RateLimit throttles /v1 requests per client.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-client throttling of the /v1 endpoints.
// A client is its API key name when auth is on, else its remote IP.
type RateLimitConfig struct {
	// Enabled turns on throttling.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// RequestsPerSecond is the sustained rate per client.
	// Default: 50
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the number of requests a client may send at once.
	// Default: 100
	Burst int `yaml:"burst"`

	// MaxClients bounds the number of tracked clients; the least recently
	// seen is forgotten first.
	// Default: 10000
	MaxClients int `yaml:"max_clients"`

	// MaxInFlight bounds concurrent /v1 requests across all clients.
	// 0 means unbounded.
	MaxInFlight int `yaml:"max_in_flight"`
}

// TLSConfig configures HTTPS on the admin listener.
type TLSConfig struct {
	// Enabled turns on TLS.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile hold the PEM certificate chain and key.
	// Required when Enabled is true.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// MinVersion is the lowest accepted protocol version.
	// Options: "1.2", "1.3"
	// Default: "1.2"
	MinVersion string `yaml:"min_version"`

	// ClientCAFile turns on mutual TLS: clients must present a
	// certificate signed by one of these CAs.
	ClientCAFile string `yaml:"client_ca_file"`

	// ReloadInterval is how often the certificate files are checked for
	// rotation.
	// Default: 1m
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	// Enabled requires a key on every /v1 request.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Keys are the accepted API keys.
	Keys []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig is one API key. Clients send it as "Authorization: Bearer
// <key>" or in an X-API-Key header.
type APIKeyConfig struct {
	// Name identifies the key in logs and in the origin of uploaded rules.
	Name string `yaml:"name"`

	// Key is the secret. KeyFile reads it from a file instead; exactly one
	// of them is set.
	Key     string `yaml:"key,omitempty"`
	KeyFile string `yaml:"key_file,omitempty"`

	// Scopes grant access.
	// Options: "read" (status, stats, rules, audit), "decide" (POST
	// /v1/decide), "admin" (everything, including upload and reload)
	// Default: ["read"]
	Scopes []string `yaml:"scopes"`

	// Disabled keeps the key configured but rejects it.
	Disabled bool `yaml:"disabled"`
}

// TelemetryConfig contains observability settings.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum level.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line in entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactAddresses masks IP addresses in log values.
	// Default: false
	RedactAddresses bool `yaml:"redact_addresses"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Disabled turns off the metrics endpoint.
	// Default: false
	Disabled bool `yaml:"disabled"`

	// Path is the scrape path.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace prefixes metric names.
	// Default: "sase"
	Namespace string `yaml:"namespace"`

	// ReloadDurationBuckets are histogram buckets in seconds.
	// Default: [0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5]
	ReloadDurationBuckets []float64 `yaml:"reload_duration_buckets"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	// Enabled turns on span export.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler selects the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is used by the ratio sampler.
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	// Default: false
	Insecure bool `yaml:"insecure"`

	// Timeout bounds exports.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// ServiceName is reported on spans.
	// Default: "sase-policy"
	ServiceName string `yaml:"service_name"`
}

// EngineOptions converts the section to an engine configuration.
func (c *EngineConfig) EngineOptions() (*engine.Config, error) {
	decision, err := engine.DecisionFor(engine.FailMode(c.FailMode))
	if err != nil {
		return nil, err
	}
	cfg := engine.DefaultConfig()
	cfg.DefaultDecision = decision
	cfg.Cache = cache.Config{MaxEntries: c.CacheEntries, Shards: c.CacheShards}
	cfg.CacheNegative = !c.DisableNegativeCache
	cfg.BloomBitsPerItem = c.BloomBitsPerItem
	cfg.BloomHashes = c.BloomHashes
	cfg.MaxPortExpansion = c.MaxPortExpansion
	cfg.MaxRules = c.MaxRules
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
