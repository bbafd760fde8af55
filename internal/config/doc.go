// Package config handles configuration loading for the management server.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path
// ends in .toml, with environment variable expansion. Defaults are applied
// before validation.
//
// # Configuration File
//
// The mgmt-server command looks in order at:
//
//  1. Path from the CLOUDSTACK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/cloudstack/mgmt-server.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${CLOUDSTACK_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	stackmaid:
//	  gc_interval: "10s"
//	  gc_lock_timeout: "3s"
//	  cut_window: "1h"
//
// # Cluster Identity
//
// cluster.msid owns the StackMaid rows this node pushes. Leave it at 0 to
// derive a stable id from the hostname; nodes sharing a database must end
// up with distinct ids.
//
// # Usage
//
//	cfg, err := config.Load("/etc/cloudstack/mgmt-server.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
