// Package config provides configuration structures and utilities for sysdump.
// It defines the run options that drive the bugreport pipeline, the YAML
// task-table loader, and the XDG paths used for persistent state.
package config
