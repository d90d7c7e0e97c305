// Package config loads and validates the YAML description of a
// simulation run.
package config
