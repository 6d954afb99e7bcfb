// Package manager keeps the policy engine's rule set in step with its rule
// source.
//
// The Manager loads rules from a source.Source, hands them to the engine,
// and then follows the source's change events. Every attempt is recorded:
// accepted sets are persisted as snapshots, every outcome is written to the
// audit trail, and reload metrics and spans are emitted.
//
// # Reload Outcomes
//
//   - applied: the set was validated and published as a new engine version
//   - unchanged: the set's checksum equals the active set; nothing is published
//   - rejected: validation failed and the previous rules stay active
//   - restored: the set came from the latest snapshot
//
// # Startup
//
// Start loads the source once. When the source cannot be read or its rules
// are rejected, the latest snapshot is restored instead so a node can boot
// with its last known good rules:
//
//	mgr, err := manager.New(manager.Options{
//	    Engine:    eng,
//	    Source:    source.NewFileSource("/etc/sase/rules", logger),
//	    Snapshots: snapshots,
//	    Auditor:   recorder,
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	go mgr.Watch(ctx)
//
// # Concurrency
//
// Reloads are serialized. Lookups on the engine never wait for a reload.
package manager
