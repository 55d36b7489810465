// Package config loads, normalizes, and validates Stagehand configuration
// data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// STAGEHAND_OPERATOR. The Config type centralizes every knob the daemon and
// CLI need, from acquisition-variant selection through worker parameters to
// monitor thresholds, so a run can be validated in one pass before any stage
// launches.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config
