// Package config handles configuration loading for puppet-gateway.
//
// # Overview
//
// Configuration is resolved in three layers, later layers winning:
//
//  1. Built-in defaults (see Default)
//  2. A YAML or TOML file (optional; a missing file is not an error)
//  3. PUPPET_* environment variables
//
// # Configuration File
//
// Location (in order):
//
//  1. --config flag of puppet-gateway
//  2. Path from PUPPET_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/puppet/gateway.yaml (~/.config/puppet/gateway.yaml)
//
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Values may reference environment variables with ${VAR_NAME}.
//
//	server:
//	  host: "0.0.0.0"
//	  port: 8765
//	  allowed_origins: ["chrome-extension://abcdef"]
//
//	http:
//	  enabled: true
//	  port: 8766            # same as server.port to share one listener
//
//	auth:
//	  api_key: "${PUPPET_API_KEY}"       # plain or bcrypt hash; empty = open
//	  agent_secret: "${AGENT_SECRET}"    # plain or bcrypt hash; empty = open
//	  jwt_secret: ""                     # enables signed client tokens
//
//	agent:
//	  on_conflict: "replace"  # replace | reject
//
//	commands:
//	  timeout: "30s"
//	  identify_timeout: "10s"
//
//	database:
//	  path: ""  # SQLite command ledger; empty disables
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # rotate logs into this file
//
// # Environment Overrides
//
//	PUPPET_HOST, PUPPET_PORT, PUPPET_HTTP_ENABLED, PUPPET_HTTP_PORT,
//	PUPPET_API_KEY, PUPPET_AGENT_SECRET, PUPPET_JWT_SECRET,
//	PUPPET_ALLOWED_ORIGINS (comma separated), PUPPET_DEBUG,
//	PUPPET_COMMAND_TIMEOUT, PUPPET_AGENT_ON_CONFLICT, PUPPET_DB_PATH,
//	PUPPET_LOG_LEVEL
//
// PUPPET_DEBUG=true forces logging.level to debug.
package config
