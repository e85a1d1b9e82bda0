// Package stores provides the SQLite record store behind the orchestrator.
// It persists clouds, pattern snapshots, environments with their candidates,
// stacks and deployments, and machine images. Saving a record never triggers
// provisioning.
package stores
