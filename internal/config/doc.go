// Package config handles configuration loading for parley-gateway.
//
// Configuration is loaded from YAML files with environment variable
// expansion. Duration values use Go's time.ParseDuration syntax and are
// parsed from their raw string form at load time.
//
// Example configuration:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/parley/gateway.db"
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//	  access_token_ttl: "15m"
//	  refresh_token_ttl: "720h"
//
//	admission:
//	  capacity: 5
//	  refill_per_second: 1
//	  bucket_idle_ttl: "10m"
//
//	workflow:
//	  max_steps: 8
//	  step_timeout: "60s"
//	  history_window: 50
//	  tool_manifest_dir: "/etc/parley/tools"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
