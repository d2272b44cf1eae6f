// Package config loads the streamer configuration.
//
// Precedence per field: built-in defaults, then the optional YAML file
// (with ${VAR} expansion), then IB_* environment variables. The environment
// names form the wire contract with the supervisor; the YAML file exists
// for local development. A loaded Config is immutable; Store swaps whole
// snapshots on reload so readers never see a half-updated value.
package config
