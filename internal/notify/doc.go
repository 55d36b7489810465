// Package notify delivers pipeline event notifications through ntfy.
//
// The service is a no-op unless a topic is configured, so callers can
// publish unconditionally. Event categories (runs, stages, datasets,
// errors) are individually suppressible, and repeated error messages are
// deduplicated within a configurable window.
package notify
