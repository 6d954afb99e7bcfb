// Package logging builds the daemon's structured logger on log/slog.
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info("rules applied", "version", 7, "rule_count", 120)
//
// Every package takes a plain *slog.Logger, so the value returned by New is
// passed down directly.
//
// # Context fields
//
// Records logged with a context carry its request ID (see WithRequestID)
// and, when a span is recording, the trace_id and span_id of that span.
//
// # Address redaction
//
// With RedactAddresses set, IPv4 and IPv6 addresses in string values and
// in address-typed values are masked to their leading octet or hextet:
//
//	10.20.30.40   -> 10.x.x.x
//	2001:db8::1   -> 2001:x
//
// Flow keys and rule CIDRs can then be logged at debug level without
// leaking subscriber addresses into central log storage.
package logging
