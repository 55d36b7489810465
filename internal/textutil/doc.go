// Package textutil provides text processing utilities for archive naming and
// display titles.
//
// The primary use cases are:
//   - Folding operator names into lowercase ASCII tokens for archive IDs
//   - Sanitizing filenames and path segments for safe filesystem use
//   - Deriving human-readable dataset titles for status output and notifications
package textutil
