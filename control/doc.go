// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration snapshotting, metrics, and debug introspection for
// trafgen's post-run reporting surface (the -V/--verbose dump).
//
// Provides concurrent-safe state handling primitives including:
//   - Immutable snapshot config reads and atomic updates
//   - Metrics telemetry contracts
//   - State export, debug hooks, and probe registration
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
