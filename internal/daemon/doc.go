// Package daemon ties the long-running pieces together: it holds the
// single-instance lock, owns the catalog and the session registry, and
// launches pipeline runs on request. The IPC server exposes its methods over
// the daemon socket.
package daemon
