// Package preflight provides readiness checks for the worker executables
// and filesystem paths a pipeline run depends on.
//
// These checks run in two contexts:
//   - The coordinator calls RunAll before launching any stage. If a check
//     fails, the run aborts before touching any dataset.
//   - The CLI "stagehand status" command uses the same results to display
//     environment health.
//
// Checks are gated by the run configuration -- a skipped stage's binary is
// not required.
package preflight
