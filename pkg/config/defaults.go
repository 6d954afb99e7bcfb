package config

import "time"

// Default values for configuration fields.
const (
	// Engine defaults
	DefaultFailMode         = "fail-open"
	DefaultCacheEntries     = 65536
	DefaultCacheShards      = 64
	DefaultBloomBitsPerItem = 10
	DefaultMaxPortExpansion = 256
	DefaultMaxRules         = 100000

	// Rules defaults
	DefaultRulesDebounce = 100 * time.Millisecond

	// Snapshot defaults
	DefaultSnapshotKeep = 10

	// Audit defaults
	DefaultAuditBuffer        = 256
	DefaultAuditRetentionDays = 90
	DefaultAuditPruneSchedule = "0 3 * * *"

	// Bus defaults
	DefaultBusURL          = "nats://127.0.0.1:4222"
	DefaultBusSubject      = "sase.policy.rules"
	DefaultBusApplyTimeout = 10 * time.Second

	// Server defaults
	DefaultServerListenAddress   = "127.0.0.1:9090"
	DefaultServerReadTimeout     = 10 * time.Second
	DefaultServerWriteTimeout    = 10 * time.Second
	DefaultServerShutdownTimeout = 15 * time.Second
	DefaultTLSMinVersion         = "1.2"
	DefaultTLSReloadInterval     = time.Minute
	DefaultAPIKeyScope           = "read"
	DefaultRateLimitRPS          = 50.0
	DefaultRateLimitBurst        = 100
	DefaultRateLimitMaxClients   = 10000

	// Telemetry defaults
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "sase"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingTimeout     = 10 * time.Second
	DefaultTracingServiceName = "sase-policy"
)

// DefaultReloadDurationBuckets are the reload histogram buckets in seconds.
var DefaultReloadDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	applyEngineDefaults(&cfg.Engine)

	if cfg.Rules.Debounce == 0 {
		cfg.Rules.Debounce = DefaultRulesDebounce
	}
	if cfg.Snapshot.Keep == 0 {
		cfg.Snapshot.Keep = DefaultSnapshotKeep
	}

	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = DefaultAuditBuffer
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = DefaultAuditRetentionDays
	}
	if cfg.Audit.PruneSchedule == "" {
		cfg.Audit.PruneSchedule = DefaultAuditPruneSchedule
	}

	if cfg.Bus.URL == "" {
		cfg.Bus.URL = DefaultBusURL
	}
	if cfg.Bus.Subject == "" {
		cfg.Bus.Subject = DefaultBusSubject
	}
	if cfg.Bus.ApplyTimeout == 0 {
		cfg.Bus.ApplyTimeout = DefaultBusApplyTimeout
	}

	applyServerDefaults(&cfg.Server)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyEngineDefaults(e *EngineConfig) {
	if e.FailMode == "" {
		e.FailMode = DefaultFailMode
	}
	if e.CacheEntries == 0 {
		e.CacheEntries = DefaultCacheEntries
	}
	if e.CacheShards == 0 {
		e.CacheShards = DefaultCacheShards
	}
	if e.BloomBitsPerItem == 0 {
		e.BloomBitsPerItem = DefaultBloomBitsPerItem
	}
	if e.MaxPortExpansion == 0 {
		e.MaxPortExpansion = DefaultMaxPortExpansion
	}
	if e.MaxRules == 0 {
		e.MaxRules = DefaultMaxRules
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultServerListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultServerReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultServerWriteTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultServerShutdownTimeout
	}
	if s.TLS.MinVersion == "" {
		s.TLS.MinVersion = DefaultTLSMinVersion
	}
	if s.TLS.ReloadInterval == 0 {
		s.TLS.ReloadInterval = DefaultTLSReloadInterval
	}
	if s.RateLimit.RequestsPerSecond == 0 {
		s.RateLimit.RequestsPerSecond = DefaultRateLimitRPS
	}
	if s.RateLimit.Burst == 0 {
		s.RateLimit.Burst = DefaultRateLimitBurst
	}
	if s.RateLimit.MaxClients == 0 {
		s.RateLimit.MaxClients = DefaultRateLimitMaxClients
	}
	for i := range s.Auth.Keys {
		if len(s.Auth.Keys[i].Scopes) == 0 {
			s.Auth.Keys[i].Scopes = []string{DefaultAPIKeyScope}
		}
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLogLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLogFormat
	}

	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(t.Metrics.ReloadDurationBuckets) == 0 {
		t.Metrics.ReloadDurationBuckets = append([]float64(nil), DefaultReloadDurationBuckets...)
	}

	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
