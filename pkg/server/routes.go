package server

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"opensase/sase-policy/pkg/security/auth"
)

// Handler returns the full admin handler with middleware applied. With
// auth enabled the /v1 endpoints require a key; probes and metrics do not.
// Rate limiting, when on, also covers only /v1.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.deps.Health != nil {
		s.deps.Health.Register(mux, s.deps.Version)
	}
	if s.deps.Metrics != nil && !s.metricsCfg.Disabled {
		mux.Handle("GET "+s.metricsCfg.Path, s.deps.Metrics.Handler())
	}

	v1 := func(pattern string, scope auth.Scope, h http.HandlerFunc) {
		var handler http.Handler = h
		if s.limiter != nil {
			handler = throttle(s.limiter, s.inFlight, s.logger, handler)
		}
		if s.keys != nil {
			handler = auth.Require(s.keys, scope, s.logger)(handler)
		}
		mux.Handle(pattern, handler)
	}
	v1("GET /v1/status", auth.ScopeRead, s.handleStatus)
	v1("GET /v1/stats", auth.ScopeRead, s.handleStats)
	v1("GET /v1/rules", auth.ScopeRead, s.handleExportRules)
	v1("GET /v1/audit", auth.ScopeRead, s.handleAudit)
	v1("POST /v1/decide", auth.ScopeDecide, s.handleDecide)
	v1("PUT /v1/rules", auth.ScopeAdmin, s.handleUploadRules)
	v1("POST /v1/reload", auth.ScopeAdmin, s.handleReload)

	var h http.Handler = mux
	h = accessLog(s.logger, h)
	h = requestID(h)
	h = otelhttp.NewHandler(h, "admin",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return recovery(s.logger, h)
}
