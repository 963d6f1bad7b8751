// Package config loads, normalizes, and validates toolgate configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and derives the configuration hash that
// partitions daemons: two processes share a daemon only when their hashes
// match. Registry, socket, and journal locations are all derived here so the
// daemon and CLI agree on where to find each other.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical durations, and clear validation errors.
package config
