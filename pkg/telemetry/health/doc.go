// Package health serves liveness and readiness probes.
//
// Liveness only proves the process answers HTTP. Readiness runs the
// registered checks concurrently, each bounded by the checker timeout:
//
//	checker := health.New(2 * time.Second)
//	checker.RegisterCheck("rules", health.RulesCheck(mgr))
//	checker.RegisterOptional("bus", subscriber.Check)
//	checker.Register(mux, health.VersionInfo{Version: version})
//
// A node is ready once a rule set is installed, whether it came from the
// rule source or from the last snapshot.
package health
