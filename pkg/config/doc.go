/*
Package config loads vaultsync's server and client settings from a YAML
file, the way the teacher loads deployment manifests in
cmd/warren/apply.go, but for process configuration instead of one-shot
resource application.

# Resolution order

	┌─────────────────── CONFIG RESOLUTION ───────────────────┐
	│  1. --config-file flag (if set)                          │
	│  2. QDSAPP_CONFIG_FILE environment variable               │
	│  3. search path: ./vaultsync.yaml,                        │
	│                  /etc/vaultsync/vaultsync.yaml             │
	│  4. built-in defaults (no file found)                      │
	└─────────────────────────────────────────────────────────┘

Settings carries both server-side fields (listen address, data
directory, quota limit, metrics address) and client-side fields (remote
address, ping interval, missed-pong limit), since both cmd/vaultsyncd
and an embedding client application load through the same loader. The
reconnect backoff table is not a Settings field; it is the package
variable DefaultReconnectBackoff.
*/
package config
