// Package services defines shared utilities consumed by the pipeline stage
// drivers and external tool integrations.
//
// Key responsibilities:
//   - Context helpers that stamp dataset/unit IDs, stage names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent catalog statuses and run dispositions (unit-local vs
//     dataset-local vs fatal).
//   - Thin abstractions that make command execution against external tools
//     testable.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
