// Package session supervises named stage sessions. A session is either an
// in-process task running on its own goroutine or a detached external child
// process; both write to a per-session log file and can be listed, waited
// on, and killed by name. Killing one session never touches the others.
package session
