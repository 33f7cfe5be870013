// Package config loads swapd settings from a YAML or JSON file, overlays
// SWAPD_* environment variables and resolves relative paths against the
// directory of the configuration file.
package config
