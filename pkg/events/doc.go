/*
Package events provides an in-memory event broker for the relay
server's pub/sub notifications.

It is the mechanism behind spec.md's "fan-out trigger": whenever a
device_changes row is inserted into the change store, the broker
publishes a device.changed event carrying the target device id, and
every session matching that device id wakes up and streams the new
blob down. The client engine does not use it; its error stream is a
channel of its own.

	┌──────────────── EVENT BROKER ────────────────┐
	│  Publisher → event channel (buffer 100)      │
	│       ↓                                       │
	│  broadcast loop                               │
	│       ↓                                       │
	│  Subscriber channels (buffer 50 each)         │
	└────────────────────────────────────────────────┘

Publish is non-blocking: a full subscriber channel drops the event for
that subscriber rather than stalling the broker, because a woken
session simply re-polls the change store on its next pass regardless.
*/
package events
