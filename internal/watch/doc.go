// Package watch implements the generic watch-and-process engine behind the
// correction, reconstruction, and transfer stages. A watcher observes one
// directory tree for complete input units, claims each unit through the
// catalog exactly once, hands it to a stage-specific process function, and
// reports per-unit completion on a channel. Detection combines fsnotify
// events with a settling delay and a periodic rescan, so units deposited
// before start or during missed events are still found.
package watch
