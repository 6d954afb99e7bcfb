// Package server is the admin HTTP surface of the policy daemon.
//
// It is not on the data path: edge dataplanes call the engine in process.
// Operators and control planes use it to inspect and drive a node.
//
// # Endpoints
//
//	GET  /health/live       liveness probe
//	GET  /health/ready      readiness probe (a rule set is installed)
//	GET  /version           build information
//	GET  /metrics           Prometheus scrape
//	GET  /v1/status         rule manager status
//	GET  /v1/stats          engine counters
//	GET  /v1/rules          active rule set as a document (?format=yaml|json)
//	PUT  /v1/rules          replace the rule set (server.enable_rule_upload)
//	POST /v1/reload         reload from the configured rule source
//	POST /v1/decide         evaluate one flow key
//	GET  /v1/audit          reload audit trail
//
// Errors are JSON objects with a single "error" field. Every request
// carries an X-Request-ID, generated when the client sends none, and is
// traced through otelhttp.
//
// # Access
//
// server.tls serves HTTPS, with mutual TLS when client_ca_file is set.
// server.auth requires an API key on /v1: read for the GET endpoints,
// decide for /v1/decide and admin for upload and reload. server.rate_limit
// throttles /v1 per client with 429 and Retry-After. Probes and metrics
// are always open.
package server
