// Package config handles configuration loading for orbit-sync.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ORBIT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/orbit/sync.yaml
//  3. ~/.config/orbit/sync.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	api:
//	  token: "${ORBIT_TOKEN}"
//
// # Configuration Sections
//
//	api:
//	  base_url: "https://api.example.com"   # required
//	  token: "${ORBIT_TOKEN}"               # required
//	  timeout: "10s"
//
//	feed:
//	  url: "wss://rt.example.com/socket"    # required
//	  handshake_timeout: "5s"
//	  subscribe_timeout: "5s"
//	  ping_interval: "25s"
//	  read_timeout: "60s"
//	  dedupe_ttl: "2m"
//	  dedupe_size: 4096
//
//	sync:
//	  refetch_debounce: "300ms"
//	  reconnect_backoff: "3s"
//	  max_reconnect_attempts: 5
//	  message_window: 50
//
//	presence:
//	  topic: "online-users"
//	  heartbeat_interval: "30s"
//
//	journal:
//	  path: "~/.local/share/orbit/journal.db"
//	  buffer: 256
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax and must be positive.
package config
