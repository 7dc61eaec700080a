/*
Package metrics provides Prometheus metrics collection and exposition for
the vaultsync relay server and client engine.

It defines and registers all metrics using the Prometheus client library,
giving observability into account/device population, change-store backlog,
quota consumption, session lifetime, and table sync outcomes. Metrics are
exposed via an HTTP endpoint for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  Prometheus Registry (global DefaultRegistry)             │
	│       │                                                    │
	│  Metric Categories                                         │
	│    Population:  accounts, devices (by rotation state)     │
	│    Backlog:     pending changes, pending device changes   │
	│    Quota:       bytes used per account, rejections        │
	│    Session:     active count, message counts, duration    │
	│    Table sync:  pass duration and errors, by table         │
	│       │                                                    │
	│  HTTP Metrics Endpoint                                     │
	│    Path: /metrics, Handler: promhttp.Handler()             │
	└────────────────────────────────────────────────────────────┘

# Metrics Catalog

vaultsync_accounts_total:
  - Type: Gauge
  - Description: total number of accounts known to the server

vaultsync_devices_total{rotation_state}:
  - Type: Gauge
  - Description: devices by key rotation state (none/pending)

vaultsync_pending_changes_total:
  - Type: Gauge
  - Description: change blobs awaiting fan-out

vaultsync_pending_device_changes_total{device_id}:
  - Type: Gauge
  - Description: fan-out rows not yet delivered, per device

vaultsync_quota_bytes_used{account_id}:
  - Type: Gauge
  - Description: bytes of change data stored per account

vaultsync_quota_exceeded_total{account_id}:
  - Type: Counter
  - Description: uploads rejected for exceeding quota

vaultsync_sessions_active:
  - Type: Gauge
  - Description: currently connected device sessions

vaultsync_session_messages_total{message_type, direction}:
  - Type: Counter
  - Description: wire messages processed by session handlers

vaultsync_session_duration_seconds:
  - Type: Histogram
  - Description: lifetime of a device session in seconds

vaultsync_key_rotations_total{outcome}:
  - Type: Counter
  - Description: completed key rotation rounds

vaultsync_add_change_duration_seconds, vaultsync_load_changes_duration_seconds,
vaultsync_complete_change_duration_seconds:
  - Type: Histogram
  - Description: change-store operation latency

vaultsync_table_sync_duration_seconds{table}, vaultsync_table_sync_errors_total{table, reason}:
  - Type: Histogram / Counter
  - Description: client engine table sync pass outcomes

vaultsync_wire_bytes_total{direction}:
  - Type: Counter
  - Description: bytes read/written on the wire protocol

# Usage

	timer := metrics.NewTimer()
	_, err := store.AddChange(deviceID, dataIDHash, keyIndex, salt, cipher)
	timer.ObserveDuration(metrics.AddChangeDuration)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	http.Handle("/metrics", metrics.Handler())

# Collector

Collector polls a StatsSource (implemented by pkg/serverstore) on a 15s
ticker and updates the population, backlog, and quota gauges, mirroring
the server's reconciliation loop rather than updating them inline on
every change-store call.

# Integration Points

  - pkg/serverstore: updates change-store and quota metrics, implements StatsSource
  - pkg/session: updates session and wire message metrics
  - pkg/tablesync: records no metrics; the client engine table sync metrics are registered here but nothing in this module updates them
  - Prometheus: scrapes /metrics
*/
package metrics
