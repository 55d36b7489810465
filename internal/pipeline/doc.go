// Package pipeline contains the run coordinator: the component that takes a
// validated configuration, registers and normalizes the datasets found under
// the data root, launches the stage sessions (correction, reconstruction,
// transfer), gates denoising preparation on reconstruction drain, and reports
// run-level outcomes.
//
// The coordinator never processes a unit itself. Stages run as supervised
// sessions (internal/session) built around the generic watch engine
// (internal/watch); the coordinator only wires discovery and processing
// closures to the worker clients and decides when the conditional denoise
// stage may start.
package pipeline
