// Package config handles configuration loading for consent-gateway.
//
// # Configuration File
//
// The binary looks for its configuration at:
//
//  1. Path from the CONSENT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/consent-gateway/gateway.yaml
//     (~/.config/consent-gateway/gateway.yaml when XDG_CONFIG_HOME is unset)
//
// Files are YAML unless the name ends in .toml, which selects TOML. Both
// formats share the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables, expanded before parsing:
//
//	auth:
//	  jwt_secret: "${CONSENT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	monitor:
//	  analyzer_timeout: "10s"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  grpc_addr: "127.0.0.1:8091"
//
//	database:
//	  driver: "sqlite"   # sqlite | sqlite3 | bolt | memory
//	  path: "./consent.db"
//
//	monitor:
//	  history_limit: 100
//	  failure_threshold: 3
//	  analyzer_timeout: "10s"
//	  pause_threshold: 30
//	  resume_threshold: 80
//
//	analyzer:
//	  kind: "lexicon"    # lexicon | http
//	  min_messages: 3
//	  window: 50
//
//	transport:
//	  matrix:
//	    enabled: true
//	    homeserver: "https://matrix.example.org"
//	    user_id: "@consent-bot:example.org"
//	    access_token: "${MATRIX_TOKEN}"
//	    rooms:
//	      date-42: "!abcdef:example.org"
//
// # Validation
//
// Load applies defaults, then rejects configurations that could not run: a
// missing http_addr without tailscale, a file driver without a path, an
// unknown driver or analyzer kind, a pause threshold at or above the resume
// threshold, an http analyzer without a url, and matrix without credentials.
package config
