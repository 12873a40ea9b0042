// Package config provides configuration loading and validation for the OSC receiver service.
// It reads YAML or TOML files on top of built-in defaults and validates every section.
package config
