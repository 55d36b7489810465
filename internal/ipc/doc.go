// Package ipc exposes daemon control as JSON-RPC over a Unix domain socket.
// The CLI is the only intended client; the wire types are plain DTOs so the
// CLI never links the catalog or session packages directly.
package ipc
