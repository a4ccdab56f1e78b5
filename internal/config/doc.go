// Package config handles configuration loading for coven-cluster.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion, then overridden section by section from COVEN_CLUSTER_* variables.
// A missing file is not an error for LoadOrDefault; defaults are used instead.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CLUSTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/cluster.yaml
//  3. ~/.config/coven/cluster.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	journal:
//	  path: "${STATE_DIRECTORY}/journal.db"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Environment Overrides
//
// Each section can be overridden after the file is read:
//
//	COVEN_CLUSTER_WORKERS_COUNT=4
//	COVEN_CLUSTER_WORKERS_KILL_GRACE_PERIOD=2s
//	COVEN_CLUSTER_HEALTH_GRPC_ADDR=0.0.0.0:50061
//	COVEN_CLUSTER_JOURNAL_PATH=/var/lib/coven/journal.db
//	COVEN_CLUSTER_LOGGING_LEVEL=debug
//
// # Configuration Sections
//
//	workers:
//	  count: 4                  # workers forked at startup
//	  exec: ""                  # empty runs this binary again
//	  args: []                  # empty reuses this process's arguments
//	  silent: false             # hide worker stdout/stderr
//	  kill_grace_period: "6.765s"
//	  ping_interval: "0s"       # 0 disables the round-robin ping loop
//
//	health:
//	  grpc_addr: "127.0.0.1:50061"  # grpc.health.v1; empty disables
//	  http_addr: "127.0.0.1:8081"   # /health and /health/ready; empty disables
//
//	journal:
//	  path: ""                  # SQLite lifecycle journal; empty disables
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	path, _ := config.Path()
//	cfg, err := config.LoadOrDefault(path)
//	if err != nil {
//	    return err
//	}
package config
