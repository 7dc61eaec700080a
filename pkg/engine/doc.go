// Package engine is the top-level owner of a device's sync session:
// one *connector.Connector, one *watcher.Watcher, and one
// tablesync.Machine per registered table, driven by the single
// lifecycle state machine of spec.md §4.10.
//
// Its "owns every subsystem, exposes Start/Stop" shape is grounded on
// the teacher's pkg/worker.Worker and pkg/manager.Manager: a small
// control-event channel plus one goroutine per long-running
// subsystem, rather than a single monolithic loop.
package engine
