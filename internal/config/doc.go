// Package config handles configuration loading for clinic-gateway.
//
// Configuration is read from a YAML file (or TOML when the file ends in
// .toml) with ${VAR} environment expansion, then defaulted and validated.
//
// # Configuration File
//
// DefaultPath resolves, in order:
//
//  1. $CLINIC_CONFIG
//  2. $XDG_CONFIG_HOME/clinic/gateway.yaml
//  3. ~/.config/clinic/gateway.yaml
//
// `clinic-gateway init` writes Template to that location.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # REST API, WebSocket, health, metrics
//	  grpc_addr: "0.0.0.0:50051"  # optional, grpc.health.v1 only
//
//	database:
//	  driver: sqlite               # or postgres
//	  path: "clinic-gateway.db"
//	  dsn: "${DATABASE_URL}"
//
//	auth:
//	  jwt_secret: "${CLINIC_JWT_SECRET}"  # empty means header-based dev mode
//
//	sessions:
//	  inactivity_timeout: "20m"
//	  sweep_interval: "30s"        # at most 60s
//	  dedupe_window: "10m"
//
//	events:
//	  subscriber_buffer: 64
//	  publish_timeout: "5s"
//
//	logging:
//	  level: info                  # debug, info, warn, error
//	  format: text                 # text, json
//
//	metrics:
//	  enabled: true
//	  path: /metrics
//
// CLINIC_DB_PATH overrides database.path for the sqlite driver, and
// DATABASE_URL stands in for an empty database.dsn with postgres.
//
// Durations use time.ParseDuration syntax. The 24h session window and the
// 30s transfer timeout are fixed and not configurable.
package config
