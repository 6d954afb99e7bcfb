// Package audit records every attempt to change the active rule set.
//
// Each reload, whether it came from a file change, the message bus, the
// admin API or a snapshot restore, produces one Event carrying its outcome,
// the resulting engine version and the rule set checksum. Events are
// written asynchronously by a Recorder so reloads never block on storage.
//
// # Storage
//
// Two backends implement Storage:
//
//   - SQLiteStorage persists events in a SQLite database (mattn/go-sqlite3)
//   - MemoryStorage keeps events in memory for tests and ephemeral nodes
//
// # Retention
//
// A Scheduler runs a Pruner on a cron schedule, deleting events older than
// the configured retention period:
//
//	pruner := audit.NewPruner(storage, audit.RetentionConfig{RetentionDays: 30, Schedule: "0 3 * * *"})
//	if err := pruner.Scheduler().Start(ctx); err != nil {
//		return err
//	}
package audit
