/*
Package log provides structured logging for vaultsync using zerolog.

It wraps zerolog to give every component a JSON- or console-formatted
logger tagged with the fields that matter for a sync substrate: device
id, account id, and table name, in addition to the generic component
name.

# Architecture

	┌─────────────────── LOGGING SYSTEM ───────────────────┐
	│                                                        │
	│  Global Logger (zerolog.Logger)                       │
	│    initialized once via log.Init(Config)              │
	│                                                        │
	│  Component loggers:                                   │
	│    WithComponent("session")                           │
	│    WithDeviceID(logger, "3f9e...")                    │
	│    WithAccountID(logger, "a1b2...")                    │
	│    WithTableName(logger, "notes")                      │
	│                                                        │
	│  Output: JSON (production) or console (development)   │
	└────────────────────────────────────────────────────────┘

Component loggers chain by passing one helper's result into the next:
pkg/session starts every connection with `log.WithComponent("session")`
and, once a device authenticates, rebinds its logger to
`log.WithAccountID(log.WithDeviceID(logger, deviceID), userID)` so every
line emitted for the rest of that connection's lifetime carries both
fields without repeating them at each call site. pkg/tablesync does the
analogous `log.WithTableName(log.WithComponent("tablesync"), table)` at
construction, since a table sync machine's table never changes.
*/
package log
