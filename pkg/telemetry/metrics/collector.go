package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"opensase/sase-policy/pkg/config"
)

// Collector owns the registry and the event-driven metrics.
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	reloadsTotal   *prometheus.CounterVec
	reloadDuration *prometheus.HistogramVec
	decisionsTotal *prometheus.CounterVec
}

// NewCollector creates a collector. A nil registry gets a fresh one.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = config.DefaultMetricsNamespace
	}
	buckets := cfg.ReloadDurationBuckets
	if len(buckets) == 0 {
		buckets = config.DefaultReloadDurationBuckets
	}

	c := &Collector{
		namespace: namespace,
		registry:  registry,
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "reloads_total",
				Help:      "Rule reload attempts by outcome",
			},
			[]string{"outcome"},
		),
		reloadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "reload_duration_seconds",
				Help:      "Time to load, compile and apply a rule set",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Decisions served through the admin API by action",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(c.reloadsTotal, c.reloadDuration, c.decisionsTotal)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveReload records one reload attempt.
func (c *Collector) ObserveReload(outcome string, d time.Duration) {
	c.reloadsTotal.WithLabelValues(outcome).Inc()
	c.reloadDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveDecision records a decision served outside the data path.
func (c *Collector) ObserveDecision(action string) {
	c.decisionsTotal.WithLabelValues(action).Inc()
}

// RegisterEngine exports the counters of src.
func (c *Collector) RegisterEngine(src StatsSource) error {
	return c.registry.Register(NewEngineCollector(c.namespace, src))
}

// DropCounter reports dropped audit events.
type DropCounter interface {
	Dropped() uint64
}

// RegisterAudit exports the dropped counter of an audit recorder.
func (c *Collector) RegisterAudit(src DropCounter) error {
	return c.registry.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Audit events dropped because the write queue was full",
		},
		func() float64 { return float64(src.Dropped()) },
	))
}

// RejectCounter reports requests refused by a rate limiter.
type RejectCounter interface {
	Rejected() uint64
}

// RegisterRateLimit exports the rejected counter of an API rate limiter.
func (c *Collector) RegisterRateLimit(src RejectCounter) error {
	return c.registry.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "server",
			Name:      "requests_throttled_total",
			Help:      "Admin API requests refused by the per-client rate limit",
		},
		func() float64 { return float64(src.Rejected()) },
	))
}
