// Package types contains the herd library's core data model and the
// interfaces it consumes: the group membership transport, the shared
// configuration store, the job execution runtime, and the optional
// observability dependencies (Logger, MetricsCollector, Hooks).
//
// The root herd package re-exports the public subset of this package via
// type aliases so internal packages can depend on types without importing
// the root package.
package types
