// Package config loads dm-gateway configuration.
//
// # Formats
//
// YAML is the default. A path ending in .toml is decoded as TOML with the same
// keys. ${VAR} references are expanded from the environment before parsing,
// and duration fields (auth.token_ttl, dispatch.dedupe_ttl) accept Go
// duration strings such as "12h" or "5m".
//
// # Location
//
// DefaultPath honours DM_GATEWAY_CONFIG and otherwise uses
// $XDG_CONFIG_HOME/dm-gateway/config.yaml.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC health endpoint
//	database:
//	  path: "./data/dm.db"
//	  driver: "sqlite"              # or "sqlite3" (cgo)
//	auth:
//	  jwt_secret: "${DM_JWT_SECRET}"
//	  token_ttl: "12h"
//	  dev_login: false
//	dispatch:
//	  max_content_length: 500
//	  preview_length: 40
//	  unread_strategy: "fixed"      # or "store"
//	  history_limit: 50
//	  dedupe_ttl: "5m"
//	journal:
//	  enabled: true
//	logging:
//	  level: "info"
//	  format: "text"
//
// Unset optional fields receive the defaults shown above; Validate reports the
// first invalid field.
package config
