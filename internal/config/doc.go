// Package config handles configuration loading for clawlink.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by .toml extension) files with
// environment variable expansion. Anything the file leaves out keeps the
// value from Default().
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CLAWLINK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/clawlink/config.yaml
//  3. ~/.config/clawlink/config.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${CLAWLINK_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  request_timeout: "30s"     # per API request, covers connect and calls
//	  stream_timeout: "5m"       # a streamed reply is aborted after this
//
//	database:
//	  path: "/var/lib/clawlink/clawlink.db"
//
//	auth:
//	  jwt_secret: "${CLAWLINK_JWT_SECRET}"   # at least 32 bytes; required by serve
//
//	gateway:
//	  client_id: "gateway-client"   # must be on the gateway's allow-list
//	  client_version: "clawlink/1.0"
//	  platform: "linux"
//	  mode: "backend"
//	  role: "operator"
//	  scopes: ["operator.read", "operator.write"]
//	  min_protocol: 3
//	  max_protocol: 3
//	  challenge_fallback: "800ms"   # send connect anyway if no challenge arrives
//	  handshake_timeout: "10s"
//	  call_timeout: "10s"
//	  http_timeout: "15s"           # history and send fallbacks
//	  history_limit: 200
//	  session_list_limit: 100
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
