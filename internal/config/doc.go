// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Durations use Go syntax ("10s", "720h"). Sources without an explicit
// enabled flag are enabled.
package config
