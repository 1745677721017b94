// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion. Unset fields get
// defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// A missing file at the default location is not an error; LoadOrDefault
// returns Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  api_token: "${COVEN_TOKEN}"
//
// When api_token is empty it falls back to COVEN_TOKEN and then to
// ~/.config/coven/token.
//
// # Configuration Sections
//
// Gateway endpoints:
//
//	gateway:
//	  url: "https://chat.example.com"
//	  ws_url: "wss://chat.example.com/ws"  # derived from url when empty
//
// Chat scope:
//
//	chat:
//	  placement: "support"
//	  thread_id: ""        # empty picks the most recent thread
//	  history_limit: 50
//
// Credential renewal:
//
//	session:
//	  refresh_lead: "45s"
//	  min_refresh_delay: "5s"
//
// Connection resilience:
//
//	connection:
//	  auto_reconnect: true
//	  max_reconnect_attempts: 5
//	  backoff_base: "1s"
//	  backoff_max: "30s"
//	  backoff_multiplier: 2
//	  backoff_jitter: 0.2
//	  heartbeat_interval: "15s"
//	  heartbeat_timeout: "5s"
//	  queue_capacity: 10
//	  max_errors: 20
//
// Local cache:
//
//	cache:
//	  path: "~/.local/share/coven/chat.db"  # empty disables
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
