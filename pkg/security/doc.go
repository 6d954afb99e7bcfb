// Package security groups the admin API's transport and caller checks.
//
// Subpackage tls serves HTTPS with certificates that rotate without a
// restart, optionally requiring client certificates. Subpackage auth
// checks scoped API keys on the /v1 endpoints.
//
// Neither touches the lookup path: decisions made by embedders of the
// engine never pass through the admin server.
package security
