// ABOUTME: Package documentation for configuration loading
// ABOUTME: YAML files with environment variable expansion

// Package config loads server configuration from YAML. Values of the
// form ${VAR} are expanded from the environment before parsing, and
// durations are written as Go duration strings ("3m", "48h").
package config
