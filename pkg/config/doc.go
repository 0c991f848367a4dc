// Package config loads, validates, and watches the service
// configuration. Configuration is a single YAML file validated with
// struct tags; a file watcher supports hot reload of tunable values
// such as polling intervals and the staleness threshold.
package config
