// Package config handles configuration loading for pinion-master.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Duration fields are written as strings and parsed after
// unmarshaling; unset optional fields receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PINION_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/pinion/master.yaml
//  3. ~/.config/pinion/master.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PINION_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:3005"   # monitors and operators
//	  http_addr: "0.0.0.0:3006"   # health, server listing, metrics
//
//	tailscale:
//	  enabled: false
//	  hostname: "pinion"
//
//	database:
//	  path: "/var/lib/pinion/master.db"
//
//	auth:
//	  jwt_secret: "${PINION_JWT_SECRET}"  # empty runs unauthenticated
//	  token_ttl: "24h"
//
//	transport:
//	  keepalive_time: "30s"
//	  keepalive_timeout: "10s"
//
//	modules:
//	  node_info_interval: "5m"
//	  log_root: "/var/log/game"
//	  log_timeout: "30s"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Validate reports the first problem found. Listen addresses are optional
// only when Tailscale is enabled, in which case a hostname is required.
package config
