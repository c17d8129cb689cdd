// Package config handles configuration loading for stillsafe-gateway.
//
// # Configuration File
//
// Location (first match wins):
//
//  1. --config flag
//  2. STILLSAFE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/stillsafe/gateway.yaml
//
// Files ending in .toml are parsed as TOML; everything else as YAML.
// `stillsafe-gateway init` writes a starter file with generated secrets.
//
// # Environment Variables
//
// ${VAR_NAME} references inside the file are expanded before parsing:
//
//	auth:
//	  access_secret: "${ACCESS_SECRET}"
//
// After parsing, well-known variables override the file directly:
// ACCESS_SECRET, REFRESH_SECRET, DEVICE_HASH, STORE_PATH, STORE_DRIVER,
// APN_KEY_PATH, APN_KEY_ID, APN_TEAM_ID, APN_TOPIC, APN_PRODUCTION,
// MATRIX_ACCESS_TOKEN, RP_ID, RP_ORIGINS, OPERATOR_IDENTITY, LOG_LEVEL,
// LOG_FORMAT, HTTP_ADDR, GRPC_ADDR, TS_AUTHKEY.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # grpc.health.v1 only
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//	database:
//	  driver: "sqlite"              # or sqlite3 (cgo)
//	  path: "/var/lib/stillsafe/stillsafe.db"
//	  purge_interval: "10m"
//	auth:
//	  access_secret: "..."          # >= 32 bytes
//	  refresh_secret: "..."         # >= 32 bytes, different
//	  access_ttl: "5m"
//	  refresh_ttl: "168h"
//	operator:
//	  identity: "admin"
//	webauthn:
//	  rp_id: "still-safe.example.com"
//	  rp_display_name: "Still Safe"
//	  origins: ["https://still-safe.example.com"]
//	  allow_zero_counter: false
//	  app_ids: ["TEAMID.com.still.safe.dev"]
//	device:
//	  secret: "..."                 # plain or bcrypt hash
//	monitor:
//	  interval: "15s"
//	  throttle: "1h"
//	notifications:
//	  apns: {enabled: true, key_path: ..., key_id: ..., team_id: ..., topic: ..., production: false}
//	  matrix: {enabled: false, homeserver: ..., user_id: ..., access_token: ..., room_id: ...}
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
package config
