// Package types defines the core data structures shared by the master, the
// slaves and the REST API.
//
// This package contains:
//   - Slave identity, lifecycle state and registry events
//   - Command payloads, lifecycle states and snapshots
//   - Status updates streamed from slaves while a command runs
package types
