// Package catalog persists datasets and tilt-series units in SQLite and
// exposes helpers for driving their lifecycle.
//
// The Store manages database connections, schema initialization, stats
// queries, heartbeat tracking, stale-claim recovery, and the status
// transitions the coordinator and watchers rely on. Directory placement of
// frames, stacks, and tomograms is a projection of the statuses recorded
// here, never the other way around: a crash between a row update and a file
// move is resolved by trusting the row.
//
// The database is working state for in-flight runs rather than a long-term
// archive. Schema changes bump the version in schema.go; users clear the
// database to adopt the new schema.
//
// Treat this package as the single source of truth for lifecycle semantics;
// when you add new statuses or columns, update schema.sql and bump
// schemaVersion.
package catalog
