// Package tablesync implements the per-table orchestrator of
// spec.md §4.9: one Machine per synchronized table, sequencing
// download -> decrypt+store -> upload against an injected local
// Store, Remote connection, and Transformer, with live-sync, passive
// polling, delete-table, and error recovery.
//
// Its lifecycle shape (logger, stop channel, one goroutine owning a
// cancelable cycle) is grounded on the teacher's
// pkg/reconciler.Reconciler, generalized from a fixed ticker to an
// event-driven select because the spec's ordering and cancellation
// guarantees (forceSync cancels only the in-flight cycle; stop drains
// and cancels everything) require reacting to discrete events rather
// than a fixed interval.
package tablesync
